package recipe

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// schemaSource describes the shape of a recipe document. Graph properties
// (references, cycles) are checked in Validate.
const schemaSource = `
#IDs: int | [...int]

#Step: {
	service?:    string
	queue:       string & !=""
	output?:     #IDs | {[string]: #IDs}
	parameters?: {...}
	...
}

#Start: [int, _]

#Recipe: {
	start: [#Start, ...#Start]
	[=~"^[0-9]+$"]: #Step
}
`

var (
	// cue values built from one context must not be used concurrently
	schemaMu   sync.Mutex
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource)
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("recipe: compile schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Recipe"))
	})
	return schemaCtx, schemaDef, schemaErr
}

// SchemaError reports a document that does not fit the recipe shape.
type SchemaError struct {
	Details []string
}

func (e *SchemaError) Error() string {
	if len(e.Details) == 1 {
		return "recipe: schema: " + e.Details[0]
	}
	return fmt.Sprintf("recipe: schema: %d problems, first: %s", len(e.Details), e.Details[0])
}

// CheckSchema validates a JSON recipe document against the CUE schema.
func CheckSchema(data []byte) error {
	ctx, def, err := loadSchema()
	if err != nil {
		return err
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()

	doc := ctx.CompileBytes(data)
	if err := doc.Err(); err != nil {
		return &SchemaError{Details: []string{err.Error()}}
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		var details []string
		for _, e := range cueerrors.Errors(err) {
			details = append(details, e.Error())
		}
		if len(details) == 0 {
			details = []string{err.Error()}
		}
		return &SchemaError{Details: details}
	}
	return nil
}
