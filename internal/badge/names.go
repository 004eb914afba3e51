package badge

// placeholderNames is used by Sign-In until an orchestrator assigns a name.
var placeholderNames = []string{
	"Alpaca", "Badger", "Caribou", "Dingo",
	"Egret", "Ferret", "Gecko", "Heron",
	"Ibis", "Jackal", "Kestrel", "Lemur",
	"Marten", "Newt", "Ocelot", "Puffin",
}

// PlaceholderName returns the stand-in name for addr.
func PlaceholderName(addr uint16) string {
	return placeholderNames[int(addr)%len(placeholderNames)]
}
