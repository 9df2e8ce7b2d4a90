package runtime

import (
	"math"
	"rash/internal/object"
	"rash/internal/token"
	"rash/internal/util"
	"testing"
	"time"
)

func TestCallInterval(t *testing.T) {
	r := newTestRuntime(t, func(c *util.Configuration) { c.Runtime.MinInterval = time.Millisecond })
	pos := token.Position{Line: 3, Column: 5}

	tests := []struct {
		name    string
		arg     object.Object
		want    time.Duration
		wantErr bool
	}{
		{"integer milliseconds", &object.Integer{Value: 250}, 250 * time.Millisecond, false},
		{"fractional milliseconds", &object.Double{Value: 1.5}, 1500 * time.Microsecond, false},
		{"raised to the minimum", &object.Double{Value: 0.01}, time.Millisecond, false},
		{"longest integer interval", &object.Integer{Value: maxIntervalMillis}, time.Duration(maxIntervalMillis) * time.Millisecond, false},
		{"zero", &object.Integer{Value: 0}, 0, true},
		{"negative", &object.Integer{Value: -5}, 0, true},
		{"integer that would wrap to a tiny interval", &object.Integer{Value: 18446744073710}, 0, true},
		{"integer that would wrap negative", &object.Integer{Value: math.MaxInt64}, 0, true},
		{"double beyond a duration", &object.Double{Value: 1e300}, 0, true},
		{"NaN", &object.Double{Value: math.NaN()}, 0, true},
		{"not a number", &object.String{Value: "10"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.interval(pos, tt.arg)
			if tt.wantErr {
				kind, _ := object.KindOf(err)
				if kind != object.TypeMismatch {
					t.Fatalf("expected TypeMismatch, got interval=%s err=%v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("wrong interval. got=%s, want=%s", got, tt.want)
			}
		})
	}
}
