package routing

// Destination service names of the fleet platform.
const (
	DestinationManagement  = "management"
	DestinationMaintenance = "maintenance"
	DestinationTrips       = "trips"
	DestinationGPS         = "gps"
	DestinationUtilities   = "utilities"
)

// DefaultRules is the gateway's static endpoint table.
func DefaultRules() []Rule {
	return []Rule{
		Exact("/vehicles", DestinationManagement),
		Exact("/drivers", DestinationManagement),
		Exact("/maintenance", DestinationMaintenance),
		Exact("/trips", DestinationTrips),
		Exact("/locations", DestinationGPS),
		Exact("/notifications", DestinationUtilities),

		Glob("/vehicles/**", DestinationManagement),
		Glob("/drivers/**", DestinationManagement),
		Glob("/analytics/**", DestinationManagement),
		Glob("/maintenance/**", DestinationMaintenance),
		Glob("/trips/**", DestinationTrips),
		Glob("/gps/**", DestinationGPS),
		Glob("/locations/**", DestinationGPS),
		Glob("/notifications/**", DestinationUtilities),
	}
}

// DefaultTable builds a Table from DefaultRules.
func DefaultTable() *Table {
	return MustTable(DefaultRules()...)
}
