package transform

const returnTable = "RETURN"
const successType = "S"

// ErrorMessages extracts the failure messages from a response's RETURN rows.
// Any row whose TYPE is not the success marker counts as a remote
// application failure, even when the call itself completed.
func ErrorMessages(filtered map[string]any) []string {
	rows := asRows(filtered[returnTable])
	var messages []string
	for _, row := range rows {
		typ, _ := row["TYPE"].(string)
		if typ == successType {
			continue
		}
		msg, _ := row["MESSAGE"].(string)
		if msg == "" {
			if typ == "" {
				msg = "remote function reported a failure"
			} else {
				msg = "remote function reported type " + typ
			}
		}
		messages = append(messages, msg)
	}
	return messages
}

// HasErrorMessages reports whether any RETURN row is a non-success row.
func HasErrorMessages(filtered map[string]any) bool {
	return len(ErrorMessages(filtered)) > 0
}
