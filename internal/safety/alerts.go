package safety

import (
	"strings"
	"time"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

// AlertEvents converts the report's high-priority alerts into safety_alert
// timeline events dated at date.
func AlertEvents(patientID string, report *Report, date time.Time) []*medication.TimelineEvent {
	if report == nil {
		return nil
	}
	events := make([]*medication.TimelineEvent, 0, len(report.HighPriorityAlerts))
	for _, al := range report.HighPriorityAlerts {
		details := map[string]any{
			"alert_type":      al.Type,
			"severity":        al.Severity,
			"drugs":           al.Drugs,
			"action_required": al.ActionRequired,
			"risk_level":      string(report.RiskLevel),
		}
		if al.Allergen != "" {
			details["allergen"] = al.Allergen
		}
		if al.Condition != "" {
			details["condition"] = al.Condition
		}
		events = append(events, medication.NewTimelineEvent(
			patientID,
			medication.EventSafetyAlert,
			medication.SeverityDanger,
			date,
			alertDescription(al),
			details,
		))
	}
	return events
}

func alertDescription(al Alert) string {
	switch al.Type {
	case AlertInteraction:
		return "Drug interaction (" + al.Severity + "): " + strings.Join(al.Drugs, " + ")
	case AlertAllergy:
		return "Allergy alert: " + strings.Join(al.Drugs, ", ") + " conflicts with " + al.Allergen
	case AlertContraindication:
		return "Contraindication: " + strings.Join(al.Drugs, ", ") + " in " + al.Condition
	}
	return al.Description
}
