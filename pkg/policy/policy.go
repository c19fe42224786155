package policy

import (
	"github.com/polisai/polis-driver/pkg/driver"
)

// Input provides context for policy evaluation.
type Input struct {
	Login      string
	Party      string
	Command    string
	Descriptor driver.CommandDescriptor
}

// Decision captures the result of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func (in Input) toMap() map[string]any {
	return map[string]any{
		"login":   in.Login,
		"party":   in.Party,
		"command": in.Command,
		"descriptor": map[string]any{
			"name":        in.Descriptor.Name,
			"input_type":  in.Descriptor.InputType,
			"output_type": in.Descriptor.OutputType,
			"is_volatile": in.Descriptor.IsVolatile,
			"is_heavy":    in.Descriptor.IsHeavy,
		},
	}
}
