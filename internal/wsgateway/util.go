package wsgateway

import (
	"encoding/json"
	"time"
)

func deadlineNow() time.Time {
	return time.Now().Add(writeWait)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"failed to encode payload"}`)
	}
	return data
}
