package call

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
)

func spoken(t time.Time) string {
	return t.UTC().Format("Monday, January 2 at 3:04 PM")
}

func greetingPrompt(p ledger.Provider) string {
	if p.Name == "" {
		return "Thank you for calling. Would you like to book, reschedule, or cancel an appointment?"
	}
	return fmt.Sprintf("Thank you for calling %s. Would you like to book, reschedule, or cancel an appointment?", p.Name)
}

func offerPrompt(slot ledger.Slot, exact bool, alts []ledger.Slot) string {
	var b strings.Builder
	if exact {
		fmt.Fprintf(&b, "%s is available.", spoken(slot.StartTime))
	} else {
		fmt.Fprintf(&b, "That time isn't available. The closest opening is %s.", spoken(slot.StartTime))
	}
	if len(alts) > 0 {
		b.WriteString(" I also have")
		for i, a := range alts {
			sep := ","
			if i == len(alts)-1 {
				sep = "."
			}
			fmt.Fprintf(&b, " option %d, %s%s", i+2, spoken(a.StartTime), sep)
		}
	}
	b.WriteString(" Shall I book it?")
	return b.String()
}

func bookedPrompt(a ledger.Appointment) string {
	return fmt.Sprintf("You're all set for %s. Your confirmation code is %s.", spoken(a.StartTime), a.ConfirmationCode)
}

func canceledPrompt(s ledger.Slot) string {
	return fmt.Sprintf("Your appointment on %s has been canceled.", spoken(s.StartTime))
}

const (
	repromptIntent       = "Sorry, I didn't catch that. Would you like to book, reschedule, or cancel an appointment?"
	repromptNegotiation  = "Sorry, what day and time would work for you?"
	repromptConfirmation = "Sorry, should I book that time? Please say yes or no."
	noAvailabilityPrompt = "I don't have any openings near that time. What other day or time works for you?"
	holdExpiredPrompt    = "That time was released before I could confirm it. Let me find another opening."
	slotTakenPrompt      = "That time was just taken. Let me look again."
	needAppointmentRef   = "I need the reference for your existing appointment to do that."
	appointmentNotFound  = "I couldn't find that appointment."
	appointmentLocked    = "That appointment can no longer be changed."
	transferPrompt       = "Please hold while I connect you with a member of our staff."
	apologyPrompt        = "I'm sorry, I'm having trouble with our scheduling system right now."
	callbackPrompt       = "I'm sorry, no one is available right now. We'll call you back as soon as possible."
	exhaustedPrompt      = "I wasn't able to find a time that works. Please call us back whenever you're ready."
	goodbyePrompt        = "Okay, nothing has been booked. Goodbye."
)
