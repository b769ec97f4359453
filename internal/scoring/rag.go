package scoring

import (
	"promptctf/webapi/internal/config"
)

// AssembleRagDocument produces the grounding document for a chat turn.
// Read-only challenges keep the operator's document fixed and splice
// the user's short input into it: DocumentTemplate names the token
// inside DefaultDocument that the input replaces (case-insensitively),
// and with no template the input is appended. Editable challenges let
// the user replace the document wholesale, falling back to the default
// when they have not.
func AssembleRagDocument(cfg *config.RagInputCfg, userDocument, userInput string) string {
	if cfg == nil {
		return ""
	}
	if cfg.IsReadOnly {
		if userInput == "" {
			return cfg.DefaultDocument
		}
		if cfg.DocumentTemplate == "" {
			return cfg.DefaultDocument + "\n" + userInput
		}
		return replaceFold(cfg.DefaultDocument, cfg.DocumentTemplate, userInput)
	}
	if userDocument != "" {
		return userDocument
	}
	return cfg.DefaultDocument
}
