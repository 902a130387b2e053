package wizard

// EventType tags an inbound event.
type EventType string

const (
	EventCommand EventType = "command"
	EventText    EventType = "text"
	EventButton  EventType = "button"
)

// Commands understood by the engine.
const (
	CommandStart      = "start"
	CommandSell       = "sell"
	CommandMyListings = "my_listings"
	CommandStatus     = "status"
	CommandCancel     = "cancel"
	CommandHelp       = "help"
)

// Button actions. Category and subcategory buttons carry the name as value.
const (
	ActionSell        = "sell"
	ActionCategory    = "cat"
	ActionSubcategory = "sub"
	ActionBack        = "back"
	ActionConfirm     = "confirm"
	ActionRetype      = "retype"
	ActionCancel      = "cancel"
)

// Event is one inbound user interaction.
type Event struct {
	Type     EventType
	UserID   int64
	UserName string
	// Command is set for EventCommand, without the leading slash.
	Command string
	// Action is set for EventButton.
	Action string
	// Payload holds the button value or the typed text.
	Payload string
}

// SideEffect tells the renderer what happened besides the message.
type SideEffect string

const (
	SideEffectNone               SideEffect = ""
	SideEffectExtractionInFlight SideEffect = "extraction_in_flight"
	SideEffectListingCreated     SideEffect = "listing_created"
)

// Button is one keyboard option.
type Button struct {
	Label  string
	Action string
	Value  string
}

// Reply is the outbound instruction for the renderer. Message is legacy
// Telegram Markdown with user supplied text already escaped.
type Reply struct {
	Message    string
	Keyboard   []Button
	SideEffect SideEffect
	// Err carries the domain error the reply explains, if any.
	Err error
}
