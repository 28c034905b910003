package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// ErrRecordDropped is returned when the script rejects a record by returning
// null or undefined. A dropped record produces no notification.
var ErrRecordDropped = errors.New("record dropped by transform script")

// Transformer applies an optional JavaScript hook to an outgoing record
// before dispatch. The script must export a function, either anonymously
// (`(function(record) { ... })`) or named `transform`.
type Transformer struct {
	script string
	logger *logrus.Logger
}

// New loads and validates the script at path. An empty path yields a
// pass-through transformer.
func New(path string, logger *logrus.Logger) (*Transformer, error) {
	t := &Transformer{logger: logger}
	if path == "" {
		return t, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform script: %w", err)
	}
	if _, err := resolveFunction(goja.New(), string(content)); err != nil {
		return nil, fmt.Errorf("invalid transform script: %w", err)
	}
	t.script = string(content)
	logger.Infof("Loaded transform script: %s", path)
	return t, nil
}

// Enabled reports whether a script is configured.
func (t *Transformer) Enabled() bool {
	return t.script != ""
}

// Transform runs the script over the record and returns the transformed
// record. Returns ErrRecordDropped when the script returns null/undefined.
// goja runtimes are not safe for concurrent use, so each call gets its own.
func (t *Transformer) Transform(table string, record map[string]interface{}) (map[string]interface{}, error) {
	if t.script == "" {
		return record, nil
	}

	vm := goja.New()
	fn, err := resolveFunction(vm, t.script)
	if err != nil {
		return nil, err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := vm.Set("recordJSON", string(recordJSON)); err != nil {
		return nil, fmt.Errorf("failed to bind record: %w", err)
	}
	recordObj, err := vm.RunString("JSON.parse(recordJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse record in script runtime: %w", err)
	}

	result, err := fn(goja.Undefined(), recordObj, vm.ToValue(table))
	if err != nil {
		return nil, fmt.Errorf("transform function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Infof("Record for table %q dropped by transform script", table)
		return nil, ErrRecordDropped
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transform result: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(resultJSON, &out); err != nil {
		return nil, fmt.Errorf("transform result is not an object: %w", err)
	}
	return out, nil
}

// resolveFunction executes the script and returns its callable, accepting
// either an anonymous function result or a named `transform` function.
func resolveFunction(vm *goja.Runtime, script string) (goja.Callable, error) {
	result, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	named := vm.Get("transform")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if fn, ok := goja.AssertFunction(named); ok {
			return fn, nil
		}
	}
	return nil, errors.New("script must export a function (anonymous or named 'transform')")
}
