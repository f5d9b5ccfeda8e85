package engine

import (
	"strings"
	"time"

	"github.com/avatarlabs/avatar-broadcast/internal/media"
)

// Viseme shape IDs used by the sprite animator. These are mouth-shape
// classes, not phonemes; several phonemes map to the same shape.
const (
	VisemeAA   = "aa"   // Open mouth (father)
	VisemeEE   = "ee"   // Smile (see)
	VisemeII   = "ii"   // Narrow (sit)
	VisemeOO   = "oo"   // Rounded (boot)
	VisemeFV   = "fv"   // Lip on teeth (five)
	VisemeTH   = "th"   // Tongue between teeth
	VisemeMBP  = "mbp"  // Closed lips (mother, boy, pan)
	VisemeLNTD = "lntd" // Tongue to roof (love, no, two, day)
	VisemeSZ   = "sz"   // Teeth together (see, zoo)
	VisemeKG   = "kg"   // Back tongue (key, go)
	VisemeCHJ  = "chj"  // Puckered narrow (church, joy)
	VisemeR    = "r"    // Slight pucker (run)
	VisemeWQ   = "wq"   // Puckered (we, queen)
)

// letterToViseme maps spelled letters and common digraphs to mouth
// shapes. Crude next to real phoneme alignment, but close enough to
// drive lip timing when the backend provides none.
var letterToViseme = map[string]string{
	"a": VisemeAA, "e": VisemeEE, "i": VisemeII, "o": VisemeOO, "u": VisemeOO,
	"p": VisemeMBP, "b": VisemeMBP, "m": VisemeMBP,
	"f": VisemeFV, "v": VisemeFV,
	"th": VisemeTH,
	"t": VisemeLNTD, "d": VisemeLNTD, "n": VisemeLNTD, "l": VisemeLNTD,
	"s": VisemeSZ, "z": VisemeSZ,
	"k": VisemeKG, "g": VisemeKG, "c": VisemeKG, "q": VisemeKG, "x": VisemeKG,
	"ch": VisemeCHJ, "sh": VisemeCHJ, "j": VisemeCHJ,
	"r": VisemeR,
	"w": VisemeWQ,
	"y": VisemeII,
	"h": VisemeAA,
}

// EstimateVisemes produces an approximate viseme timeline for text
// spoken over the given duration. Events are sorted by start offset and
// never overlap, matching what the synthesis stage validates.
func EstimateVisemes(text string, duration time.Duration) []media.VisemeEvent {
	shapes := textToShapes(text)
	if len(shapes) == 0 || duration <= 0 {
		return nil
	}

	per := duration / time.Duration(len(shapes))
	events := make([]media.VisemeEvent, 0, len(shapes))
	for i, shape := range shapes {
		start := time.Duration(i) * per
		end := start + per
		if i == len(shapes)-1 {
			end = duration
		}
		events = append(events, media.VisemeEvent{Start: start, End: end, Shape: shape})
	}
	return events
}

// textToShapes converts text to a deduplicated viseme shape sequence.
// Word and sentence boundaries become silence shapes.
func textToShapes(text string) []string {
	chars := []byte(strings.ToLower(strings.TrimSpace(text)))
	shapes := make([]string, 0, len(chars))

	appendShape := func(s string) {
		// Collapse runs of the same shape
		if len(shapes) > 0 && shapes[len(shapes)-1] == s {
			return
		}
		shapes = append(shapes, s)
	}

	for i := 0; i < len(chars); i++ {
		ch := chars[i]

		if ch == ' ' || ch == '\n' || ch == '\t' ||
			ch == '.' || ch == '!' || ch == '?' || ch == ',' || ch == ';' || ch == ':' {
			appendShape(media.VisemeSilence)
			continue
		}
		if ch < 'a' || ch > 'z' {
			continue
		}

		// Digraphs first
		var key string
		if i+1 < len(chars) {
			digraph := string(chars[i : i+2])
			if digraph == "th" || digraph == "ch" || digraph == "sh" {
				key = digraph
				i++
			}
		}
		if key == "" {
			key = string(ch)
		}

		shape, ok := letterToViseme[key]
		if !ok {
			shape = VisemeAA
		}
		appendShape(shape)
	}

	return shapes
}
