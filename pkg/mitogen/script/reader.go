package script

import "strings"

func newStringReader(source string) *strings.Reader {
	return strings.NewReader(source)
}
