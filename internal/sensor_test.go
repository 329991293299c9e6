package internal

import (
	"errors"
	"testing"
)

func TestParseIncoming(t *testing.T) {
	testCases := []struct {
		name      string
		body      string
		want      *Incoming
		wantField string
	}{
		{
			name: "door open",
			body: `{"type":"DOOR","value":"OPEN"}`,
			want: &Incoming{Kind: KindDoor, Value: DoorOpen},
		},
		{
			name: "motion still, lower case, extra keys",
			body: `{"type":"motion","value":"still","battery":87}`,
			want: &Incoming{Kind: KindMotion, Value: MotionStill},
		},
		{
			name:      "not json",
			body:      `type=DOOR`,
			wantField: "body",
		},
		{
			name:      "array",
			body:      `[1,2]`,
			wantField: "body",
		},
		{
			name:      "missing type",
			body:      `{"value":"OPEN"}`,
			wantField: "type",
		},
		{
			name:      "numeric type",
			body:      `{"type":3,"value":"OPEN"}`,
			wantField: "type",
		},
		{
			name:      "missing value",
			body:      `{"type":"DOOR"}`,
			wantField: "value",
		},
		{
			name:      "unknown type",
			body:      `{"type":"WINDOW","value":"OPEN"}`,
			wantField: "type",
		},
		{
			name:      "unknown value",
			body:      `{"type":"DOOR","value":"AJAR"}`,
			wantField: "value",
		},
		{
			name:      "door with motion value",
			body:      `{"type":"DOOR","value":"MOTION"}`,
			wantField: "value",
		},
		{
			name:      "motion with door value",
			body:      `{"type":"MOTION","value":"CLOSED"}`,
			wantField: "value",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseIncoming([]byte(tc.body))
			if tc.wantField != "" {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("got err %v want ValidationError", err)
				}
				if verr.Field != tc.wantField {
					t.Fatalf("got field %q want %q", verr.Field, tc.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIncoming: %s", err)
			}
			if *got != *tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestKindAllows(t *testing.T) {
	if !KindDoor.Allows(DoorClosed) || KindDoor.Allows(MotionStill) {
		t.Errorf("door domain is wrong")
	}
	if !KindMotion.Allows(MotionMotion) || KindMotion.Allows(DoorOpen) {
		t.Errorf("motion domain is wrong")
	}
	if Kind("WINDOW").Valid() {
		t.Errorf("unknown kind is valid")
	}
}
