package moqquic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Transitions(t *testing.T) {
	all := []Status{StatusConnecting, StatusEstablished, StatusClosing, StatusClosed, StatusFailed}

	allowed := map[Status]map[Status]bool{
		StatusConnecting:  {StatusEstablished: true, StatusFailed: true, StatusClosing: true},
		StatusEstablished: {StatusClosing: true, StatusFailed: true},
		StatusClosing:     {StatusClosed: true},
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				assert.Equal(t, allowed[from][to], from.canTransition(to))
			})
		}
	}
}

func TestStatus_Properties(t *testing.T) {
	tests := map[Status]struct {
		text        string
		acceptsData bool
		removable   bool
	}{
		StatusConnecting:  {text: "connecting"},
		StatusEstablished: {text: "established", acceptsData: true},
		StatusClosing:     {text: "closing"},
		StatusClosed:      {text: "closed", removable: true},
		StatusFailed:      {text: "failed", removable: true},
		Status(99):        {text: "unknown"},
	}

	for status, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.text, status.String())
			assert.Equal(t, tt.acceptsData, status.acceptsData())
			assert.Equal(t, tt.removable, status.removable())
		})
	}
}
