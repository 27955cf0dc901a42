package interactive

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt is needed but stdin is not a
// terminal.
var ErrNotInteractive = errors.New("not running in an interactive terminal")

// IsInteractive returns true if the terminal supports interactive input.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SelectConfiguration prompts for one of items and returns its id.
func SelectConfiguration(label string, items []ConfigItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("no configurations available")
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   "▸ {{ .ID | cyan }} - {{ .DisplayName }}{{ if .Current }} {{ \"(current)\" | green }}{{ else if not .Ready }} {{ \"(runtime missing)\" | yellow }}{{ end }}",
		Inactive: "  {{ .ID }} - {{ .DisplayName | faint }}{{ if .Current }} {{ \"(current)\" | green }}{{ end }}",
		Selected: "✓ {{ .ID | green }} selected",
		Details: `
--------- Configuration ----------
{{ "Runtime:" | faint }} {{ .RuntimeID }}
{{ "Device:" | faint }}  {{ .DeviceID }}`,
	}

	prompt := promptui.Select{
		Label:     label,
		Items:     items,
		Templates: templates,
		Size:      10,
		Searcher:  configSearcher(items),
		CursorPos: currentIndex(items),
	}

	index, _, err := prompt.Run()
	if err != nil {
		return "", handleInterruptError(err)
	}
	return items[index].ID, nil
}

// SelectDevice prompts for one of items and returns its id.
func SelectDevice(label string, items []DeviceItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("no devices available")
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   "▸ {{ .ID | cyan }} - {{ .DisplayName }} {{ .System | faint }}",
		Inactive: "  {{ .ID }} - {{ .DisplayName }} {{ .System | faint }}",
		Selected: "✓ {{ .ID | green }} selected",
	}

	cursor := 0
	for i, d := range items {
		if d.Current {
			cursor = i
		}
	}

	prompt := promptui.Select{
		Label:     label,
		Items:     items,
		Templates: templates,
		Size:      10,
		CursorPos: cursor,
	}

	index, _, err := prompt.Run()
	if err != nil {
		return "", handleInterruptError(err)
	}
	return items[index].ID, nil
}

// PromptConfigID asks for a new configuration id that is not in taken.
func PromptConfigID(suggested string, taken []string) (string, error) {
	prompt := promptui.Prompt{
		Label:    "Configuration id",
		Default:  suggested,
		Validate: validateConfigID(taken),
		Templates: &promptui.PromptTemplates{
			Prompt:  "{{ . }}: ",
			Valid:   "{{ . | green }}: ",
			Invalid: "{{ . | red }}: ",
			Success: "✓ Configuration id: ",
		},
	}

	result, err := prompt.Run()
	if err != nil {
		return "", handleInterruptError(err)
	}
	return strings.TrimSpace(result), nil
}

// Confirm asks a yes/no question. Declining is not an error.
func Confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Default:   "y",
	}

	_, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, handleInterruptError(err)
	}
	return true, nil
}

func configSearcher(items []ConfigItem) func(string, int) bool {
	return func(input string, index int) bool {
		item := items[index]
		input = strings.ToLower(strings.TrimSpace(input))
		return strings.Contains(strings.ToLower(item.ID), input) ||
			strings.Contains(strings.ToLower(item.DisplayName), input)
	}
}

func currentIndex(items []ConfigItem) int {
	for i, c := range items {
		if c.Current {
			return i
		}
	}
	return 0
}

func validateConfigID(taken []string) func(string) error {
	return func(input string) error {
		input = strings.TrimSpace(input)
		if input == "" {
			return fmt.Errorf("id cannot be empty")
		}
		if strings.ContainsAny(input, " /\\") {
			return fmt.Errorf("id cannot contain spaces or slashes")
		}
		if len(input) > 64 {
			return fmt.Errorf("id too long (max 64 characters)")
		}
		for _, id := range taken {
			if id == input {
				return fmt.Errorf("configuration %q already exists", input)
			}
		}
		return nil
	}
}

// handleInterruptError converts promptui errors to appropriate error types.
func handleInterruptError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) {
		return &CancellationError{Message: "operation cancelled"}
	}
	if errors.Is(err, promptui.ErrEOF) {
		return &CancellationError{Message: "operation cancelled (EOF)"}
	}
	return err
}
