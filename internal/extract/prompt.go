package extract

import (
	"strings"

	"concertcal/internal/model"
)

const promptTemplate = `You are an event extraction assistant. Given the text content of a concert venue's events page, extract ALL upcoming events into structured JSON.

Today's date is {today}. Use this to resolve relative dates like "this Saturday" or "next Friday".

The venue is: {venue_name}
The venue location is: {venue_location}

Extract each event as a JSON object with these fields:
- title (string): The event name or headlining artist/band
- date (string): Date in YYYY-MM-DD format
- doors_time (string or null): Door opening time in HH:MM 24-hour format
- show_time (string or null): Show start time in HH:MM 24-hour format
- end_time (string or null): End time in HH:MM 24-hour format, if listed
- artists (array of strings): All performing artists/bands listed for this event
- price (string or null): Ticket price as displayed (e.g., "$25", "Free", "$20-$40")
- ticket_url (string or null): Direct URL to purchase tickets
- description (string or null): Brief description if available

Rules:
- Only include events dated today ({today}) or later
- If only one time is given with no label, treat it as show_time
- If a time is labeled "Doors" or "Doors open", it is doors_time
- Do not invent or hallucinate events; only extract what is on the page
- If a date is ambiguous, use context clues and today's date to resolve it
- For multi-day festivals, create one entry per day
- Ignore non-music events (comedy, trivia, private events) UNLESS they could plausibly be music-related
- Return an empty array if no upcoming events are found

Return ONLY a JSON array of event objects. No markdown fences, no explanation.`

// correctionPrompt is sent once when the model's reply is not valid JSON.
const correctionPrompt = "Your response was not valid JSON. Please return ONLY a JSON array of events."

// FormatPrompt renders the system prompt for one venue.
func FormatPrompt(today model.Date, venueName, venueLocation string) string {
	return strings.NewReplacer(
		"{today}", today.String(),
		"{venue_name}", venueName,
		"{venue_location}", venueLocation,
	).Replace(promptTemplate)
}
