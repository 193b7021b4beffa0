package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateServiceURL(t *testing.T) {
	assert.NoError(t, ValidateServiceURL("http://20.2.67.63"))
	assert.NoError(t, ValidateServiceURL("https://chat.example.com/api"))
	assert.NoError(t, ValidateServiceURL("wss://chat.example.com", "ws", "wss"))

	assert.ErrorContains(t, ValidateServiceURL(""), "empty")
	assert.ErrorContains(t, ValidateServiceURL("chat.example.com"), "no host")
	assert.ErrorContains(t, ValidateServiceURL("ftp://chat.example.com"), "scheme")
	assert.ErrorContains(t, ValidateServiceURL("https://user:pw@chat.example.com"), "credentials")
	assert.ErrorContains(t, ValidateServiceURL("http://example.com", "ws"), "scheme")
}
