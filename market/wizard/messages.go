package wizard

import (
	"fmt"
	"strings"

	"github.com/m3rciful/marketbot/core/telegram/format"
	"github.com/m3rciful/marketbot/market/listing"
	"github.com/m3rciful/marketbot/market/session"
)

const (
	msgWelcome = "👋 *Welcome!*\n\n" +
		"I help you publish a classified ad in a few steps: pick a category, describe your item, " +
		"check the details I extract and set a price.\n\n" + msgCommands
	msgHelp     = "ℹ️ *How it works*\n\n" + msgCommands
	msgCommands = "/sell - create a new listing\n" +
		"/my\\_listings - your five most recent listings\n" +
		"/status - progress of the current listing\n" +
		"/cancel - abandon the current listing\n" +
		"/help - show this message"

	msgChooseCategory     = "🏪 *Create New Listing*\n\nPlease select a category for your product:"
	msgNothingToCancel    = "ℹ️ No active listing to cancel."
	msgCancelled          = "🚫 *Listing cancelled*\n\nYou can start a new one anytime with /sell."
	msgNoSession          = "ℹ️ No active listing. Use /sell to start one!"
	msgNotAvailableIdle   = "⚠️ That's not available right now. Use /sell to create a listing."
	msgNotAvailableActive = "⚠️ That's not available right now. Use /status to see where you are or /cancel to start over."
	msgUseReviewButtons   = "⚠️ Please use the buttons below to continue or retype the description."
	msgEmptyProduct       = "❌ The description is empty. Please describe your item, e.g. \"iPhone 13 Pro Max 256GB\"."
	msgShortProduct       = "❌ The description is too short. Please enter a more detailed product name."
	msgExtractRetry       = "⚠️ I couldn't analyze your product right now. Please send the description again in a moment."
	msgExtractRephrase    = "❌ I couldn't extract details from that description. Please rephrase it and be more specific."
	msgInvalidPrice       = "❌ Invalid price. Enter a number between 0 and 1,000,000, e.g. 299.99 or 150."
	msgStoreFailed        = "❌ Failed to save your listing. Please send the price again to retry."
	msgListingsFailed     = "❌ Error retrieving your listings. Please try again later."
	msgNoListings         = "📭 You haven't created any listings yet!"
	msgAnalyzing          = "🔍 *Analyzing product...*\n\n⏳ Please wait while I extract product information."
	msgGenericFailure     = "❌ Something went wrong. Please try again later."
	msgBusy               = "⏳ Still working on your previous message. Please wait a moment."
	msgExpired            = "⌛ Your previous listing expired after a period of inactivity.\n\n"
	msgCatalogChanged     = "❌ This category is no longer available. Use /cancel and start a new listing."
)

var stepLabels = map[session.State]string{
	session.StateIdle:                 "no active listing",
	session.StateAwaitingCategory:     "choosing a category",
	session.StateAwaitingSubcategory:  "choosing a subcategory",
	session.StateAwaitingProductName:  "describing the product",
	session.StateAwaitingConfirmation: "reviewing extracted details",
	session.StateAwaitingPrice:        "setting the price",
}

func cancelButton() Button {
	return Button{Label: "❌ Cancel", Action: ActionCancel}
}

func categoryKeyboard(names []string) []Button {
	kb := make([]Button, 0, len(names)+1)
	for _, n := range names {
		kb = append(kb, Button{Label: "📁 " + n, Action: ActionCategory, Value: n})
	}
	return append(kb, cancelButton())
}

func subcategoryKeyboard(names []string) []Button {
	kb := make([]Button, 0, len(names)+2)
	for _, n := range names {
		kb = append(kb, Button{Label: "📂 " + n, Action: ActionSubcategory, Value: n})
	}
	return append(kb, Button{Label: "🔙 Back to categories", Action: ActionBack}, cancelButton())
}

func reviewKeyboard() []Button {
	return []Button{
		{Label: "✅ Yes, continue", Action: ActionConfirm},
		{Label: "✏️ No, retype", Action: ActionRetype},
		cancelButton(),
	}
}

func welcomeKeyboard() []Button {
	return []Button{{Label: "🏪 Create listing", Action: ActionSell}}
}

func subcategoryPrompt(category string) string {
	return fmt.Sprintf("📁 *Category:* %s\n\nPlease select a subcategory:", format.MD(category))
}

func productPrompt(category, subcategory string, expected []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📁 *Category:* %s\n📂 *Subcategory:* %s\n\n", format.MD(category), format.MD(subcategory))
	b.WriteString("🏷️ Please enter the product name or model.\n")
	b.WriteString("Be as specific as possible, e.g. \"iPhone 13 Pro Max 256GB Space Gray\".")
	if len(expected) > 0 {
		fmt.Fprintf(&b, "\n\nUseful details: %s", format.MD(strings.Join(expected, ", ")))
	}
	return b.String()
}

func confidenceMark(c float64) string {
	switch {
	case c >= 0.7:
		return "🟢"
	case c >= 0.4:
		return "🟡"
	}
	return "🔴"
}

func writeAttributes(b *strings.Builder, attrs listing.Attributes) {
	if attrs.Len() == 0 {
		b.WriteString("No attributes recognized\n")
		return
	}
	attrs.Each(func(name, value string) bool {
		fmt.Fprintf(b, "• *%s:* %s\n", format.MD(name), format.MD(value))
		return true
	})
}

func reviewMessage(s session.Session) string {
	var b strings.Builder
	b.WriteString("🎯 *Review extracted details*\n\n")
	fmt.Fprintf(&b, "🏷️ *Product:* %s\n", format.MD(s.ProductText))
	fmt.Fprintf(&b, "📁 *Category:* %s → %s\n", format.MD(s.Category), format.MD(s.Subcategory))
	if s.Extracted != nil {
		fmt.Fprintf(&b, "%s *Confidence:* %.0f%%\n\n🔧 *Attributes:*\n", confidenceMark(s.Extracted.Confidence), s.Extracted.Confidence*100)
		writeAttributes(&b, s.Extracted.Attributes)
		if ps := s.Extracted.PriceSuggestion; ps != nil && ps.Usable() {
			b.WriteString("\n")
			writeSuggestion(&b, ps)
		}
	}
	b.WriteString("\nIs this information correct?")
	return b.String()
}

// writeSuggestion shows an advisory range; callers check Usable first.
func writeSuggestion(b *strings.Builder, ps *listing.PriceSuggestion) {
	fmt.Fprintf(b, "💡 *Suggested price:* %s - %s", FormatPrice(ps.MinPrice), FormatPrice(ps.MaxPrice))
	if ps.Currency != "" {
		b.WriteString(" " + format.MD(ps.Currency))
	}
	b.WriteString("\n")
	if ps.Reasoning != "" {
		fmt.Fprintf(b, "_%s_\n", format.MD(ps.Reasoning))
	}
}

func pricePrompt(s session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 *Set your price*\n\n🏷️ Product: %s\n\n", format.MD(s.ProductText))
	if s.Extracted != nil && s.Extracted.PriceSuggestion != nil && s.Extracted.PriceSuggestion.Usable() {
		writeSuggestion(&b, s.Extracted.PriceSuggestion)
		b.WriteString("\n")
	}
	b.WriteString("Please enter your asking price (numbers only, e.g. 299.99):")
	return b.String()
}

func completedMessage(l listing.Listing, exported string) string {
	var b strings.Builder
	b.WriteString("🎉 *Listing created successfully!*\n\n")
	fmt.Fprintf(&b, "🆔 *Listing ID:* #%d\n", l.ID)
	fmt.Fprintf(&b, "🏷️ *Product:* %s\n", format.MD(l.ProductName))
	fmt.Fprintf(&b, "📁 *Category:* %s → %s\n", format.MD(l.Category), format.MD(l.Subcategory))
	fmt.Fprintf(&b, "💰 *Price:* %s\n\n🔧 *Attributes:*\n", FormatPrice(l.Price))
	writeAttributes(&b, l.Attributes)
	if exported != "" {
		fmt.Fprintf(&b, "\n📄 Exported to %s", format.MD(exported))
	}
	return b.String()
}

func statusMessage(s session.Session) string {
	if !s.Active() {
		return msgNoSession
	}
	var b strings.Builder
	b.WriteString("📋 *Current listing*\n\n")
	fmt.Fprintf(&b, "Step: %s\n", stepLabels[s.State])
	if s.Category != "" {
		fmt.Fprintf(&b, "📁 Category: %s\n", format.MD(s.Category))
	}
	if s.Subcategory != "" {
		fmt.Fprintf(&b, "📂 Subcategory: %s\n", format.MD(s.Subcategory))
	}
	if s.ProductText != "" {
		fmt.Fprintf(&b, "🏷️ Product: %s\n", format.MD(s.ProductText))
	}
	if s.Extracted != nil {
		fmt.Fprintf(&b, "🔧 Attributes: %d extracted (confidence %.0f%%)\n", s.Extracted.Attributes.Len(), s.Extracted.Confidence*100)
	}
	return strings.TrimRight(b.String(), "\n")
}

func listingsMessage(ls []listing.Listing) string {
	if len(ls) == 0 {
		return msgNoListings
	}
	var b strings.Builder
	b.WriteString("📋 *Your recent listings:*\n\n")
	for _, l := range ls {
		mark := "🟢"
		if l.Status != listing.StatusActive {
			mark = "🔴"
		}
		fmt.Fprintf(&b, "%s *#%d* - %s\n💰 %s | 📁 %s\n📅 %s\n\n",
			mark, l.ID, format.MD(l.ProductName), FormatPrice(l.Price), format.MD(l.Category),
			l.CreatedAt.UTC().Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func notAvailable(s session.Session) string {
	if s.Active() {
		return msgNotAvailableActive
	}
	return msgNotAvailableIdle
}

// BusyReply answers an event rejected because the user's queue is full.
func BusyReply() Reply {
	return Reply{Message: msgBusy, Err: ErrBusy}
}

// FailureReply is the generic answer to an event that could not be handled.
func FailureReply(err error) Reply {
	return Reply{Message: msgGenericFailure, Err: err}
}
