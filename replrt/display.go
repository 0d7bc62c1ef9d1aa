package replrt

import (
	"fmt"
	"strings"
)

// Displayer is implemented by values with a rich representation.
type Displayer interface {
	DisplayMIME() (mime, content string)
}

// Display prints the value of the final expression of an input.
func Display(v any) {
	if d, ok := v.(Displayer); ok {
		mime, content := d.DisplayMIME()
		MIME(mime, content)
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(output, format(v))
}

// DisplayTyped is Display followed by the dynamic type of the value.
func DisplayTyped(v any) {
	if _, ok := v.(Displayer); ok {
		Display(v)
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintf(output, "%s: %T\n", format(v), v)
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	case nil:
		return "<nil>"
	}
	return fmt.Sprintf("%+v", v)
}

// MIME emits one rich output block.
func MIME(mime, content string) {
	emit(MimeBegin, mime)
	outMu.Lock()
	fmt.Fprint(output, content)
	if !strings.HasSuffix(content, "\n") {
		fmt.Fprintln(output)
	}
	outMu.Unlock()
	emit(MimeEnd, "")
}

// Input asks the orchestrator for a line of input.
func Input(prompt string) string {
	return request(InputRequest, prompt)
}

// Password asks the orchestrator for a line of input without echo.
func Password(prompt string) string {
	return request(PasswordRequest, prompt)
}

func request(kind, prompt string) string {
	emit(kind, prompt)
	if commands == nil {
		return ""
	}
	line, _ := commands.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}
