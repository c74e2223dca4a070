package services

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"flowpilot/internal/models"
)

// mentionTokens are the ways a user can address the assistant directly.
var mentionTokens = []string{"@ai", "@assistant"}

// MatchesTrigger evaluates an inbound message against a trigger
// declaration. Scheduled kinds never match here: they fire exclusively on
// the scheduler's tick path, so this returns false for them rather than
// treating the call as an error.
func MatchesTrigger(kind string, decl *TriggerDeclaration, msg *models.Message, logger *logrus.Logger) bool {
	if msg == nil || msg.Content == "" {
		return false
	}
	switch kind {
	case models.KindMessagePattern:
		return matchPattern(decl, msg.Content, logger)
	case models.KindKeyword:
		return matchKeywords(decl, msg.Content)
	case models.KindAIMention:
		return matchMention(decl, msg.Content)
	case models.KindScheduled, models.KindTimeBased, models.KindReminder:
		return false
	default:
		logger.Warnf("trigger: unknown automation kind %q", kind)
		return false
	}
}

// matchPattern treats a non-compiling pattern as a non-match. Creation
// validates the pattern, so this only happens for rows edited out of band.
func matchPattern(decl *TriggerDeclaration, text string, logger *logrus.Logger) bool {
	pattern := decl.Pattern
	if pattern == "" {
		return false
	}
	if !decl.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warnf("trigger: pattern %q does not compile: %v", decl.Pattern, err)
		return false
	}
	return re.MatchString(text)
}

func matchKeywords(decl *TriggerDeclaration, text string) bool {
	if len(decl.Keywords) == 0 {
		return false
	}
	if !decl.CaseSensitive {
		text = strings.ToLower(text)
	}
	for _, kw := range decl.Keywords {
		if !decl.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		found := strings.Contains(text, kw)
		if decl.MatchAll && !found {
			return false
		}
		if !decl.MatchAll && found {
			return true
		}
	}
	return decl.MatchAll
}

// matchMention requires an explicit assistant mention and, when intent
// keywords are configured, at least one of them. Without an intent list
// the mention alone fires.
func matchMention(decl *TriggerDeclaration, text string) bool {
	lower := strings.ToLower(text)
	mentioned := false
	for _, tok := range mentionTokens {
		if strings.Contains(lower, tok) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return false
	}
	if len(decl.IntentKeywords) == 0 {
		return true
	}
	for _, kw := range decl.IntentKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
