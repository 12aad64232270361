//go:build !vtdebug

package vtex

const debugAssertions = false

func assertf(cond bool, format string, args ...any) {}
