//go:build vtdebug

package vtex

import "fmt"

const debugAssertions = true

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("vtex: "+format, args...))
	}
}
