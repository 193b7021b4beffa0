package chat

import (
	"github.com/sirupsen/logrus"

	"adminchat/internal/privacy"
)

// Standard field names for chat logging
const (
	LogFieldCounterpartID = "counterpart_id"
	LogFieldClientTempID  = "client_temp_id"
	LogFieldMessageID     = "message_id"
	LogFieldEvent         = "event"
	LogFieldKind          = "kind"
	LogFieldState         = "state"
	LogFieldGeneration    = "generation"
	LogFieldCount         = "count"
	LogFieldBody          = "body"
)

// messageFields builds masked identity fields for one message
func messageFields(counterpartID, tempID, messageID string) logrus.Fields {
	fields := logrus.Fields{}
	if counterpartID != "" {
		fields[LogFieldCounterpartID] = privacy.MaskUserID(counterpartID)
	}
	if tempID != "" {
		fields[LogFieldClientTempID] = privacy.MaskMessageID(tempID)
	}
	if messageID != "" {
		fields[LogFieldMessageID] = privacy.MaskMessageID(messageID)
	}
	return fields
}
