package ai

import (
	"strings"

	"github.com/nhle/mailtriage/internal/model"
)

// BuildPrompt embeds the message fields and the verbatim rule text,
// followed by the fixed instruction. The reply-content label in step 3
// is what the reply extractor later looks for.
func BuildPrompt(msg model.InboundMessage, rules model.RuleSet, marker string) string {
	if marker == "" {
		marker = model.DefaultReplyMarkers[0]
	}

	var sb strings.Builder

	sb.WriteString("分析以下邮件并根据规则处理:\n\n")

	sb.WriteString("发件人: ")
	sb.WriteString(msg.Sender)
	sb.WriteString("\n主题: ")
	sb.WriteString(msg.Subject)
	sb.WriteString("\n内容: ")
	sb.WriteString(msg.BodyExcerpt)
	sb.WriteString("...\n\n")

	sb.WriteString("处理规则:\n")
	sb.WriteString(strings.TrimSpace(rules.Text))
	sb.WriteString("\n\n")

	sb.WriteString("请提供:\n")
	sb.WriteString("1. 这封邮件的简要总结\n")
	sb.WriteString("2. 根据规则应该如何处理\n")
	sb.WriteString("3. 如果需要回复，以\"")
	sb.WriteString(marker)
	sb.WriteString("\"开头提供回复内容，并放在最后；不需要回复则不要写这一标记\n")

	return sb.String()
}
