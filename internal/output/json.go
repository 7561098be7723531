package output

import "encoding/json"

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatDecision renders a decision report as JSON.
func (f *JSONFormatter) FormatDecision(report *DecisionReport) (string, error) {
	if report == nil {
		return "", nil
	}
	return f.marshal(report)
}

// FormatStates renders stored state entries as JSON.
func (f *JSONFormatter) FormatStates(entries []StateView) (string, error) {
	if entries == nil {
		entries = []StateView{}
	}
	return f.marshal(entries)
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
