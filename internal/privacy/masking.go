package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaskUserID masks a counterpart or admin identifier
// Example: "6630a1f2c9e77b0012345678" -> "********************5678"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskMessageID masks a server message id or client temp id.
// Uuid-shaped temp ids keep their last group for correlation.
// Example: "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed" -> "********-****-****-****-ab8dfbbd4bed"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	if strings.Count(messageID, "-") == 4 {
		parts := strings.Split(messageID, "-")
		for i := 0; i < len(parts)-1; i++ {
			parts[i] = strings.Repeat("*", len(parts[i]))
		}
		return strings.Join(parts, "-")
	}

	return maskString(messageID, 6)
}

// MaskEmail keeps the first character of the local part and the domain
// Example: "support@example.com" -> "s******@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 0)
	}
	local := email[:at]
	return local[:1] + strings.Repeat("*", len(local)-1) + email[at:]
}

// MaskToken hides a bearer token entirely, keeping the scheme
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if strings.HasPrefix(token, "Bearer ") {
		return "Bearer [redacted]"
	}
	return "[redacted]"
}

// RedactBody replaces message content with its size.
// Image payloads are never logged, even in verbose mode.
func RedactBody(body string, verbose bool) string {
	if body == "" {
		return ""
	}
	if strings.HasPrefix(body, "data:") || len(body) > 512 {
		return fmt.Sprintf("[%d bytes]", len(body))
	}
	if verbose {
		return body
	}
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(body))
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}
		switch k {
		case "user_id", "userId", "counterpart_id", "admin_id", "adminId":
			masked[k] = MaskUserID(s)
		case "message_id", "messageId", "client_temp_id", "clientTempId":
			masked[k] = MaskMessageID(s)
		case "email":
			masked[k] = MaskEmail(s)
		case "token", "authorization", "Authorization":
			masked[k] = MaskToken(s)
		case "body", "text", "content":
			masked[k] = RedactBody(s, false)
		default:
			masked[k] = v
		}
	}

	return masked
}
