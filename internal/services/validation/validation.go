// Package validation checks the images of a data collection for internal
// consistency and against the metadata store. Failures are reported on the
// validation_error outlet; the trigger message is always acknowledged.
package validation

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
)

// Channel is where validation requests arrive.
const Channel = "validation"

// OutletError receives one message per failed validation.
const OutletError = "validation_error"

const (
	i041Min = 0.9100
	i041Max = 0.9300
	// wavelengthTolerance is the relative deviation allowed from ISPyB.
	wavelengthTolerance = 0.02
)

var ErrNoFile = errors.New("validation: message carries no file")

// hdf5Signature starts the superblock. It sits at offset 0 or at a power
// of two from 512 on when the file has a user block.
var hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// WavelengthReader finds the wavelength recorded in an image header. ok is
// false when the format is not understood.
type WavelengthReader interface {
	Wavelength(path string) (wavelength float64, ok bool, err error)
}

// Service is the validation service.
type Service struct {
	headers WavelengthReader
}

// New returns the service. A nil reader uses CBFHeaders.
func New(headers WavelengthReader) *Service {
	if headers == nil {
		headers = CBFHeaders{}
	}
	return &Service{headers: headers}
}

func (s *Service) Name() string { return "DLS Validation" }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	return rt.Subscribe(Channel, runtime.SubscribeOptions{}, s.validate)
}

type request struct {
	File       string   `json:"file"`
	Wavelength *float64 `json:"wavelength"`
}

func (s *Service) validate(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	var req request
	if err := msg.Decode(&req); err != nil || req.File == "" {
		msg.Log.Error("validation called without a file", "error", err)
		return runtime.Reject(ErrNoFile.Error())
	}
	params := rw.Parameters()
	msg.Log.Debug("starting validation", "file", req.File)

	reason := s.check(req, params, msg)
	if reason == "" {
		msg.Log.Debug("file passed validation", "file", req.File)
		return runtime.Ack{}
	}

	output := make(map[string]any, len(params)+2)
	for k, v := range params {
		output[k] = v
	}
	output["file"] = req.File
	output["reason"] = reason
	if err := rw.SendTo(OutletError, output); err != nil {
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	msg.Log.Error("image validation failed", "file", req.File, "reason", reason)
	return runtime.Ack{}
}

// check returns why the file fails validation, or "" when it passes.
func (s *Service) check(req request, params map[string]any, msg *runtime.Message) string {
	file := req.File
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Sprintf("%s does not exist", file)
		}
		return fmt.Sprintf("%s cannot be read: %v", file, err)
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".h5", ".nxs":
		ok, err := IsHDF5(file)
		if err != nil {
			return fmt.Sprintf("Unhandled exception reading %s: %v", file, err)
		}
		if !ok {
			return fmt.Sprintf("%s is an invalid HDF5 file", file)
		}
	}

	wavelength, known := 0.0, false
	if req.Wavelength != nil {
		wavelength, known = *req.Wavelength, true
	} else {
		w, ok, err := s.headers.Wavelength(file)
		if err != nil {
			return fmt.Sprintf("Unhandled exception reading %s: %v", file, err)
		}
		wavelength, known = w, ok
	}
	if !known {
		msg.Log.Debug("no wavelength available, skipping wavelength checks", "file", file)
		return ""
	}
	if wavelength <= 0 {
		return "wavelength not set in image header"
	}

	if recipe.Format(params["beamline"]) == "i04-1" {
		if strings.HasPrefix(recipe.Format(params["dc_comments"]), "Simulated datacollection") {
			msg.Log.Debug("skipping i04-1 wavelength validation for simulated data collection")
		} else if wavelength < i041Min || wavelength > i041Max {
			return fmt.Sprintf("Image wavelength %v outside of allowed range for I04-1 (0.9100-0.9300)", wavelength)
		}
	}

	if expected, ok := recipe.Float(params["ispyb_wavelength"]); ok && expected != 0 {
		if math.Abs(wavelength-expected) > wavelengthTolerance*math.Abs(expected) {
			return fmt.Sprintf("Image wavelength %v deviates from ISPyB wavelength %v by more than 2%%", wavelength, expected)
		}
	}
	return ""
}

// IsHDF5 looks for the HDF5 superblock signature.
func IsHDF5(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, len(hdf5Signature))
	for off := int64(0); ; {
		if _, err := f.ReadAt(buf, off); err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		if bytes.Equal(buf, hdf5Signature) {
			return true, nil
		}
		if off == 0 {
			off = 512
		} else {
			off *= 2
		}
	}
}

// CBFHeaders reads the wavelength from a miniCBF text header.
type CBFHeaders struct{}

// headerLimit bounds how far into a CBF file the header is searched.
const headerLimit = 16 << 10

func (CBFHeaders) Wavelength(path string) (float64, bool, error) {
	if strings.ToLower(filepath.Ext(path)) != ".cbf" {
		return 0, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(io.LimitReader(f, headerLimit))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 && fields[0] == "#" && fields[1] == "Wavelength" {
			w, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return 0, false, fmt.Errorf("validation: wavelength %q: %w", fields[2], err)
			}
			return w, true, nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return 0, false, err
	}
	return 0, true, nil
}
