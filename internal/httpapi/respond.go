package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

// writeError maps the error kind to a status and emits the uniform
// error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(kind),
			"message": err.Error(),
		},
	}
	if kind == errkind.ModelNotTrained {
		body["hint"] = "train first via POST /predict/prices/train or POST /predict/train"
	}
	writeJSON(w, errkind.Status(kind), body)
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errkind.Wrap(errkind.BadRequest, err, "decoding request body")
	}
	return nil
}
