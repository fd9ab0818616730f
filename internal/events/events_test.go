package events

import (
	"reflect"
	"testing"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
)

func TestSubject(t *testing.T) {
	cases := map[change.State]string{
		change.StateFinished:          SubjectFinished,
		change.StateFailedTemporary:   SubjectRetry,
		change.StateFailedPermanently: SubjectFailed,
	}
	for state, want := range cases {
		if got := Subject(state); got != want {
			t.Fatalf("Subject(%s): expected %s got %s", state, want, got)
		}
	}
}

func TestMergeSubjects(t *testing.T) {
	merged, changed := mergeSubjects([]string{"other.a", SubjectFinished}, []string{SubjectFinished, SubjectRetry})
	if !changed {
		t.Fatalf("expected change")
	}
	want := []string{"other.a", SubjectFinished, SubjectRetry}
	if !reflect.DeepEqual(merged, want) {
		t.Fatalf("expected %v got %v", want, merged)
	}

	_, changed = mergeSubjects(want, []string{SubjectRetry})
	if changed {
		t.Fatalf("expected no change when subjects already present")
	}
}
