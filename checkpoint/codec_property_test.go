package checkpoint

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/certainly-param/tracelens/types"
)

func TestProperty_CodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// Numbers are generated as float64 because that is what JSON
	// decoding yields back.
	properties.Property("encoding then decoding preserves the state", prop.ForAll(
		func(query string, score float64, done bool, steps []float64, note string) bool {
			seq := make([]any, len(steps))
			for i, s := range steps {
				seq[i] = s
			}
			state := types.State{
				"query": query,
				"score": score,
				"done":  done,
				"steps": seq,
				"meta":  map[string]any{"note": note, "none": nil},
			}

			var codec Codec

			data, format, err := codec.Encode(state, false)
			if err != nil {
				t.Logf("Encode failed: %v", err)
				return false
			}
			if format != FormatJSON {
				t.Logf("expected JSON format, got %s", format)
				return false
			}

			decoded, _, err := codec.Decode(data)
			if err != nil {
				t.Logf("Decode failed: %v", err)
				return false
			}

			return reflect.DeepEqual(map[string]any(state), map[string]any(decoded))
		},
		gen.AlphaString(),
		gen.Float64Range(-1e9, 1e9),
		gen.Bool(),
		gen.SliceOf(gen.Float64Range(0, 1e6)),
		gen.AlphaString(),
	))

	properties.Property("structured states always pass validation", prop.ForAll(
		func(query string, score float64, done bool) bool {
			state := types.State{"query": query, "score": score, "done": done}
			return state.ValidateStructured() == nil
		},
		gen.AlphaString(),
		gen.Float64Range(-1e9, 1e9),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
