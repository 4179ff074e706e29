package controller

import (
	"github.com/gorilla/mux"

	"github.com/agrofert/agrofert/controller/storage"
	"github.com/agrofert/agrofert/controller/telemetry"
)

// Controller is the slice of the daemon every subsystem is handed.
type Controller interface {
	Store() storage.Store
	Telemetry() telemetry.Telemetry
	LogError(id, msg string) error
}

// Subsystem is a self-contained module with its own storage buckets,
// background workers and HTTP routes.
type Subsystem interface {
	Setup() error
	LoadAPI(*mux.Router)
	Start()
	Stop()
}
