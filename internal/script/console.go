package script

import (
	"strings"

	"github.com/dop251/goja"
)

// Console levels installed on the console global.
var consoleLevels = []string{"log", "info", "warn", "error", "debug"}

func (e *gojaEngine) bindConsole() error {
	console := e.vm.NewObject()
	for _, level := range consoleLevels {
		if err := console.Set(level, e.consoleMethod(level)); err != nil {
			return err
		}
	}
	return e.vm.Set("console", console)
}

func (e *gojaEngine) consoleMethod(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if e.console == nil {
			return goja.Undefined()
		}
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = e.formatConsoleArg(arg)
		}
		e.console(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// formatConsoleArg prints strings verbatim and objects as JSON when they
// can be encoded.
func (e *gojaEngine) formatConsoleArg(arg goja.Value) string {
	if _, ok := arg.(*goja.Object); !ok {
		return arg.String()
	}
	if _, ok := goja.AssertFunction(arg); ok {
		return arg.String()
	}
	res, err := e.stringifyFn(goja.Undefined(), arg)
	if err != nil || res == nil || goja.IsUndefined(res) {
		return arg.String()
	}
	return res.String()
}
