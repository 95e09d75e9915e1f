// Package remote drives a serial-style BLE peripheral (HM-10 and clones) with a fixed
// set of single-byte commands and keeps a rolling log of the text it sends back.
package remote

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Button is one entry of the command vocabulary
type Button struct {
	Name        string
	Code        byte
	Description string
}

func (b Button) String() string {
	return fmt.Sprintf("%s (%c)", b.Name, b.Code)
}

// vocabulary keeps the buttons in the order they are listed to the user
var vocabulary = newVocabulary(
	Button{Name: "forward", Code: 'w', Description: "drive forward"},
	Button{Name: "back", Code: 's', Description: "drive backward"},
	Button{Name: "left", Code: 'a', Description: "turn left"},
	Button{Name: "right", Code: 'd', Description: "turn right"},
	Button{Name: "open", Code: 'b', Description: "open"},
	Button{Name: "close", Code: 'n', Description: "close"},
	Button{Name: "speed-up", Code: 'u', Description: "increase speed"},
	Button{Name: "speed-down", Code: 'i', Description: "decrease speed"},
	Button{Name: "pause", Code: 'p', Description: "stop"},
)

type buttonSet struct {
	byName *orderedmap.OrderedMap[string, Button]
	byCode map[byte]Button
}

func newVocabulary(buttons ...Button) *buttonSet {
	set := &buttonSet{
		byName: orderedmap.New[string, Button](),
		byCode: make(map[byte]Button, len(buttons)),
	}
	for _, b := range buttons {
		set.byName.Set(b.Name, b)
		set.byCode[b.Code] = b
	}
	return set
}

// Buttons returns the vocabulary in display order
func Buttons() []Button {
	out := make([]Button, 0, vocabulary.byName.Len())
	for pair := vocabulary.byName.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Lookup resolves a button by name (case-insensitive) or by its single-character code
func Lookup(token string) (Button, bool) {
	if b, ok := vocabulary.byName.Get(strings.ToLower(token)); ok {
		return b, true
	}
	if len(token) == 1 {
		return ButtonForCode(token[0])
	}
	return Button{}, false
}

// ButtonForCode resolves a button by the byte it writes
func ButtonForCode(code byte) (Button, bool) {
	b, ok := vocabulary.byCode[code]
	return b, ok
}
