package domain

// Owner is the user a reminder belongs to. QuietStart and QuietEnd are local
// times of day formatted as "15:04"; both empty means no quiet hours.
type Owner struct {
	ID         string
	Email      string
	Timezone   string
	QuietStart string
	QuietEnd   string
}
