package notifier

import "fmt"

func mapsLink(lat, lng float64) string {
	return fmt.Sprintf("https://maps.google.com/?q=%v,%v", lat, lng)
}

// ActivationMessage is the first alert a contact receives when their
// person triggers an SOS.
func ActivationMessage(userName string, lat, lng float64) string {
	return fmt.Sprintf(
		"EMERGENCY: %v has triggered an SOS alert and may need help. "+
			"Their last known location: %v. "+
			"Please try to reach them or contact local authorities.",
		userName, mapsLink(lat, lng))
}

// UpdateMessage follows the user's movement while the emergency is active.
func UpdateMessage(userName string, lat, lng float64) string {
	return fmt.Sprintf(
		"Update: %v's emergency is still active. Current location: %v.",
		userName, mapsLink(lat, lng))
}

// StandDownMessage tells contacts the emergency has been cancelled.
func StandDownMessage(userName string) string {
	return fmt.Sprintf(
		"Stand down: %v has cancelled their SOS alert and reports being safe. "+
			"Thank you for being there for them.",
		userName)
}
