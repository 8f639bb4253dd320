package backend

import "fmt"

// Model identifies a generation model the backend accepts.
type Model struct {
	Name string
}

// ModelUnspecified lets the backend pick its current default.
var ModelUnspecified = Model{Name: "unspecified"}

// knownModels is the accepted model table. The backend rejects anything else,
// so requests are validated here before a task is ever created.
var knownModels = map[string]Model{
	"unspecified":          ModelUnspecified,
	"gemini-2.5-flash":     {Name: "gemini-2.5-flash"},
	"gemini-2.5-pro":       {Name: "gemini-2.5-pro"},
	"gemini-3.0-pro":       {Name: "gemini-3.0-pro"},
	"gemini-2.5-flash-image": {Name: "gemini-2.5-flash-image"},
}

// InvalidModelError reports a model selector that is not in the known table.
type InvalidModelError struct {
	Name string
}

func (e *InvalidModelError) Error() string {
	return fmt.Sprintf("invalid model: %q", e.Name)
}

// ResolveModel maps a request-level model selector to a known model. An empty
// selector resolves to ModelUnspecified.
func ResolveModel(name string) (Model, error) {
	if name == "" {
		return ModelUnspecified, nil
	}
	if model, ok := knownModels[name]; ok {
		return model, nil
	}
	return Model{}, &InvalidModelError{Name: name}
}

// ModelNames returns the accepted model selectors, for error messages and docs.
func ModelNames() []string {
	names := make([]string, 0, len(knownModels))
	for name := range knownModels {
		names = append(names, name)
	}
	return names
}
