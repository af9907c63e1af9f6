package state

import (
	"encoding/json"
	"strconv"

	"github.com/example/ride-dispatch/internal/models"
)

func marshalEntry(e models.ResponseEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalEntry(raw string) (models.ResponseEntry, error) {
	var e models.ResponseEntry
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

func itoa(n int) string { return strconv.Itoa(n) }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
