package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	codeValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traindesk_code_validations_total",
		Help: "Attendance code validation attempts by outcome.",
	}, []string{"outcome"})

	bulkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traindesk_bulk_items_total",
		Help: "Bulk attendance items by outcome.",
	}, []string{"outcome"})
)
