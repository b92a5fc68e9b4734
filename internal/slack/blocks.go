package slack

import "github.com/slack-go/slack"

// NewInfoMessage builds a header + text block message.
func NewInfoMessage(title, text string) slack.MsgOption {
	return message(":droplet: "+title, text)
}

// NewAlertMessage builds a warning styled block message.
func NewAlertMessage(title, text string) slack.MsgOption {
	return message(":warning: "+title, text)
}

func message(title, text string) slack.MsgOption {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, true, false))
	body := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)

	return slack.MsgOptionCompose(
		slack.MsgOptionText(title+": "+text, false),
		slack.MsgOptionBlocks(header, body),
	)
}
