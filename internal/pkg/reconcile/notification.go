package reconcile

//ticketNotification is published on the topic exchange when a run raised tickets,
//so the notification collaborator can alert an operator
type ticketNotification struct {
	RunID             string `json:"run_id"`
	ReviewTickets     int    `json:"review_tickets"`
	AnomaliesDetected int    `json:"anomalies_detected"`
	AutoFixed         int    `json:"auto_fixed"`
}

func newTicketNotification(stats *RunStats) *ticketNotification {
	return &ticketNotification{
		RunID:             stats.RunID,
		ReviewTickets:     stats.ReviewTickets,
		AnomaliesDetected: stats.AnomaliesDetected,
		AutoFixed:         stats.AutoFixed,
	}
}

func (n *ticketNotification) ContentType() string {
	return "application/json"
}

func (n *ticketNotification) TopicName() string {
	return "energy.reconciliation.tickets"
}
