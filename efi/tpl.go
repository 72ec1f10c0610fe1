package efi

// TPL is a task priority level: an integer in [Application, HighLevel].
type TPL int

// The four standard priority levels.
const (
	TPLApplication TPL = 4
	TPLCallback    TPL = 8
	TPLNotify      TPL = 16
	TPLHighLevel   TPL = 31
)

// Valid reports whether t falls within the closed TPL range.
func (t TPL) Valid() bool {
	return t >= TPLApplication && t <= TPLHighLevel
}

func (t TPL) String() string {
	switch {
	case t == TPLApplication:
		return "application"
	case t == TPLCallback:
		return "callback"
	case t == TPLNotify:
		return "notify"
	case t == TPLHighLevel:
		return "high-level"
	default:
		return "tpl"
	}
}
