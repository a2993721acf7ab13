package nfvi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON body the way the OpenStack APIs do; paginated
// gophercloud results refuse a body without the JSON content type
func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}
