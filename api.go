package sensorkit

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// StatusHandler serves the sensor status snapshot as JSON, the same
// document StatusSnapshot produces.
func (sm *SensorManager) StatusHandler() http.Handler {
	sm.ensureLogger()

	router := httprouter.New()
	router.GET("/api/sensors", sm.handleSensors)
	return router
}

func (sm *SensorManager) handleSensors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(sm.StatusSnapshot()); err != nil {
		sm.logger.Error("failed to encode status snapshot", "err", err)
	}
}
