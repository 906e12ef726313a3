package ispyb

import "encoding/json"

// List is a command list being worked through one command at a time.
// Each step runs in its own bus transaction; the remainder travels on
// as a checkpoint so that identifiers stored by earlier steps reach the
// later ones through the recipe environment.
type List struct {
	Commands []map[string]any
	// Step numbers the head command, starting at 1.
	Step int
}

// ParseList finds the command list in a message, falling back to the
// step parameters. A list carried in the message has been checkpointed
// before and knows how far it got.
func ParseList(message, parameters map[string]any) (List, error) {
	if raw, ok := message[KeyCommandList]; ok {
		cmds, err := commandMaps(raw)
		if err != nil {
			return List{}, err
		}
		done, _ := toInt(message["checkpoint"])
		return nonEmpty(List{Commands: cmds, Step: int(done) + 1})
	}
	cmds, err := commandMaps(parameters[KeyCommandList])
	if err != nil {
		return List{}, err
	}
	return nonEmpty(List{Commands: cmds, Step: 1})
}

func nonEmpty(l List) (List, error) {
	if len(l.Commands) == 0 {
		return List{}, invalid("command list is empty")
	}
	return l, nil
}

func commandMaps(raw any) ([]map[string]any, error) {
	list, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, invalid("command list is a %T", raw)
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("command %d is not an object", i+1)
		}
		out = append(out, m)
	}
	return out, nil
}

// Head is the command to run now.
func (l List) Head() map[string]any { return l.Commands[0] }

// HeadCommand names the head command.
func (l List) HeadCommand() string {
	name, _ := l.Head()[KeyCommand].(string)
	return name
}

// StoreResult is the environment key the head's result is stored under.
func (l List) StoreResult() string {
	name, _ := l.Head()[KeyStoreResult].(string)
	return name
}

// Last reports whether the head is the final command.
func (l List) Last() bool { return len(l.Commands) == 1 }

// Next returns the checkpoint payload carrying the rest of the list. Other
// fields of message are kept.
func (l List) Next(message map[string]any) map[string]any {
	out := make(map[string]any, len(message)+2)
	for k, v := range message {
		out[k] = v
	}
	rest := make([]any, len(l.Commands)-1)
	for i, c := range l.Commands[1:] {
		rest[i] = c
	}
	out[KeyCommandList] = rest
	out["checkpoint"] = l.Step
	return out
}

// DecodeMessage turns a payload into a field map; non-object payloads
// give an empty map.
func DecodeMessage(payload json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
