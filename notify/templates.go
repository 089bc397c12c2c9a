package notify

import (
	"fmt"
	"html"
)

func WelcomeMessage(name, address string, credits int) Message {
	greeting := name
	if greeting == "" {
		greeting = "there"
	}
	return Message{
		ToName:    name,
		ToAddress: address,
		Subject:   "Welcome to Campaign Studio",
		PlainText: fmt.Sprintf("Hi %s,\n\nYour account is ready and %d free credits are waiting for your first campaign.", greeting, credits),
		HTML: fmt.Sprintf("<p>Hi %s,</p><p>Your account is ready and <strong>%d free credits</strong> are waiting for your first campaign.</p>",
			html.EscapeString(greeting), credits),
	}
}

func CampaignFinishedMessage(name, address, campaign string, images int, failed bool) Message {
	subject := fmt.Sprintf("Your campaign %q is ready", campaign)
	body := fmt.Sprintf("%d images were generated.", images)
	if failed {
		subject = fmt.Sprintf("Your campaign %q could not be completed", campaign)
		body = fmt.Sprintf("Generation stopped after %d images. Open the campaign to retry.", images)
	}
	return Message{
		ToName:    name,
		ToAddress: address,
		Subject:   subject,
		PlainText: body,
		HTML:      "<p>" + html.EscapeString(body) + "</p>",
	}
}
