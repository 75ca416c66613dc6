package skill

// Module identifies a skill-module memory realm an actor can subscribe to.
// Subscribed module ids scope the SKILL_MODULE leg of memory resolution.
type Module struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // "catalog", "config"
}
