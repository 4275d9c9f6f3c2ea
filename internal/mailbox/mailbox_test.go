package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayAddress(t *testing.T) {
	assert.Equal(t, "Jörg Sécurité <jorg@example.de>", DisplayAddress("Jörg Sécurité", "jorg@example.de"))
	assert.Equal(t, "digest@example.com", DisplayAddress("  ", "digest@example.com"))
	assert.Equal(t, "Undisclosed", DisplayAddress("Undisclosed", ""))
	assert.Empty(t, DisplayAddress("", ""))
}
