package console

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// TabCompleter is implemented by types that provide readline tab completion.
type TabCompleter interface {
	Do(line []rune, pos int) (newLine [][]rune, length int)
}

// dotCommands are the console's built-in dot-commands.
var dotCommands = []string{".exit", ".quit", ".format", ".help"}

// Completer provides motor/counter mnemonic tab completion for the
// console. FetchMotors and FetchCounters are optional; if nil, dynamic
// completion of that kind is disabled.
type Completer struct {
	FetchMotors   func(ctx context.Context) ([]string, error)
	FetchCounters func(ctx context.Context) ([]string, error)
}

// Do implements TabCompleter and readline.AutoCompleter.
// Returns completion candidates and how many chars to remove before the cursor.
func (c *Completer) Do(line []rune, pos int) (newLine [][]rune, length int) {
	s := string(line[:pos])
	before, word := lastToken(s)

	if before == "" && strings.HasPrefix(word, ".") {
		return filterCompletions(dotCommands, word), len(word)
	}
	if word == "" {
		return nil, 0
	}

	names := append(c.fetchMotorNames(), c.fetchCounterNames()...)
	return filterCompletions(names, word), len(word)
}

// lastToken splits s into (before, word) where word is the trailing
// whitespace-delimited token.
func lastToken(s string) (before, word string) {
	i := len(s)
	for i > 0 && !unicode.IsSpace(rune(s[i-1])) {
		i--
	}
	return s[:i], s[i:]
}

// filterCompletions returns suffix completions (readline appends them to what's already typed).
func filterCompletions(candidates []string, prefix string) [][]rune {
	var result [][]rune
	for _, cand := range candidates {
		if strings.HasPrefix(cand, prefix) {
			result = append(result, []rune(cand[len(prefix):]))
		}
	}
	return result
}

func (c *Completer) fetchMotorNames() []string {
	if c.FetchMotors == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	names, _ := c.FetchMotors(ctx)
	return names
}

func (c *Completer) fetchCounterNames() []string {
	if c.FetchCounters == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	names, _ := c.FetchCounters(ctx)
	return names
}
