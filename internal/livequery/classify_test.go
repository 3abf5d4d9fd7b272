package livequery

import "testing"

func TestClassifyCoversEveryVisibilityCombination(t *testing.T) {
	testCases := []struct {
		name        string
		wasMatched  bool
		isMatched   bool
		hadOriginal bool
		expected    EventType
	}{
		{name: "stays visible", wasMatched: true, isMatched: true, hadOriginal: true, expected: EventUpdate},
		{name: "visible without original", wasMatched: true, isMatched: true, hadOriginal: false, expected: EventUpdate},
		{name: "drops out", wasMatched: true, isMatched: false, hadOriginal: true, expected: EventLeave},
		{name: "drops out without original", wasMatched: true, isMatched: false, hadOriginal: false, expected: EventLeave},
		{name: "enters", wasMatched: false, isMatched: true, hadOriginal: true, expected: EventEnter},
		{name: "created", wasMatched: false, isMatched: true, hadOriginal: false, expected: EventCreate},
		{name: "never visible", wasMatched: false, isMatched: false, hadOriginal: true, expected: EventNone},
		{name: "never visible without original", wasMatched: false, isMatched: false, hadOriginal: false, expected: EventNone},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			actual := Classify(testCase.wasMatched, testCase.isMatched, testCase.hadOriginal)
			if actual != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, actual)
			}
		})
	}
}
