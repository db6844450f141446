// Package admin serves the operator HTTP API.
//
// Routes:
// - GET  /health, /metrics
// - GET  /cages, POST /cages/male_percentage, POST /cages/:index/male_percentage
// - POST /cages/:index/fire
// - GET  /sorting, POST /sorting/start, POST /sorting/stop
// - GET  /devices/pending, POST /devices/select
// - GET  /deliveries (when a journal is attached)
package admin
