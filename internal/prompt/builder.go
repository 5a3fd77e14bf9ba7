// Package prompt assembles the system instruction given to the model at
// session setup. Build is pure: the same snapshot always yields the same text.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ent0n29/interviewrelay/internal/interview"
)

const (
	LanguageCasualHindi   = "casual-hindi"
	LanguageIndianEnglish = "indian-english"

	ProctoringDisabled = "Proctoring is disabled for this interview."

	defaultCompany = "the company"
	defaultRole    = "Software Engineer"
)

type fragmentRule struct {
	match func(interview.Snapshot) bool
	text  string
}

// languageHeaders is evaluated top to bottom; the first match wins and the
// last entry is the fallback.
var languageHeaders = []fragmentRule{
	{
		match: func(s interview.Snapshot) bool { return s.Language == LanguageCasualHindi },
		text: `# ⚠️ CRITICAL MANDATORY LANGUAGE RULE — YOU MUST FOLLOW THIS:
YOU MUST SPEAK ONLY IN CASUAL HINDI (Hinglish). DO NOT SPEAK IN ENGLISH.
This is the #1 most important rule. Every single sentence you say MUST be in Hindi/Hinglish.

## Hindi Language Rules:
- ALWAYS speak in casual, everyday Hindi (Hinglish) — NOT formal/shudh Hindi
- DO NOT use English for sentences. Only use English for technical terms like 'array', 'database', 'API', 'system design', etc.
- Your greeting MUST be in Hindi, e.g., "Namaste! Main aapka interview lunga aaj."
- Example questions: "Acha, toh mujhe batao ki tumne apne last project mein kya kya kiya?"
- Example follow-up: "Hmm interesting, toh usme kaunsa tech stack use kiya tha?"
- Be natural and friendly, jaise ek colleague se baat kar rahe ho chai pe
- Even if the candidate replies in English, YOU MUST continue speaking in Hindi/Hinglish
- NEVER switch to English. ALWAYS stay in Hindi/Hinglish no matter what.

REMEMBER: SPEAK IN HINDI. NOT ENGLISH. THIS IS NON-NEGOTIABLE.`,
	},
	{
		match: func(interview.Snapshot) bool { return true },
		text: `# 🗣️ LANGUAGE: INDIAN ENGLISH
- Speak in clear, professional Indian English
- Use natural Indian expressions and phrasing
- Be professional but warm and approachable`,
	},
}

func experienceIs(bucket string) func(interview.Snapshot) bool {
	return func(s interview.Snapshot) bool { return s.YearsOfExperience == bucket }
}

// experienceRules are mutually exclusive. No match yields an empty fragment.
var experienceRules = []fragmentRule{
	{experienceIs("0-1"), "Ask beginner-friendly questions. Focus on fundamentals, basic concepts, and willingness to learn."},
	{experienceIs("1-3"), "Ask intermediate questions. Focus on practical experience, problem-solving, and coding skills."},
	{experienceIs("3-5"), "Ask mid-level questions. Include system design basics, architecture decisions, and leadership potential."},
	{experienceIs("5-10"), "Ask senior-level questions. Focus on system design, architecture, mentoring, and strategic thinking."},
	{experienceIs("10+"), "Ask principal/lead-level questions. Focus on large-scale system design, organizational impact, and technical vision."},
}

// proctoringRules are independent; every enabled detector contributes a line.
var proctoringRules = []fragmentRule{
	{
		match: func(s interview.Snapshot) bool { return s.Proctoring.DetectMultiplePeople },
		text:  `1. **Multiple People Detected**: If you see more than ONE person in the frame, warn in the interview language: "I notice there might be someone else in the room. Please ensure you are alone."`,
	},
	{
		match: func(s interview.Snapshot) bool { return s.Proctoring.DetectPhone },
		text:  `2. **Mobile Phone Usage**: If you see a phone, warn in the interview language: "Please keep your phone away during the interview."`,
	},
	{
		match: func(s interview.Snapshot) bool { return s.Proctoring.DetectLookingAway },
		text:  `3. **Looking Away**: If candidate frequently looks away, warn in the interview language: "Please focus on the interview and maintain eye contact."`,
	},
	{
		match: func(s interview.Snapshot) bool { return s.Proctoring.DetectTabSwitch },
		text:  `4. **Tab Switching**: If distracted, warn in the interview language: "Please give your full attention to the interview."`,
	},
}

// Build returns the system instruction for cfg. A non-empty SystemPrompt is
// returned verbatim.
func Build(cfg interview.Snapshot) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}

	var b strings.Builder
	b.WriteString(LanguageHeader(cfg))
	b.WriteString("\n\n")
	writeContext(&b, cfg)
	b.WriteString("\n\n# 🎯 EXPERIENCE-BASED DIFFICULTY:\n")
	b.WriteString(ExperienceGuidance(cfg))
	b.WriteString("\n\n# 🔴 PROCTORING & MONITORING:\n")
	b.WriteString(ProctoringSection(cfg))
	b.WriteString("\n\n")
	writeSilenceHandling(&b, cfg)
	b.WriteString("\n\n")
	writeClosing(&b, cfg)
	return b.String()
}

func LanguageHeader(cfg interview.Snapshot) string {
	return firstMatch(languageHeaders, cfg)
}

func ExperienceGuidance(cfg interview.Snapshot) string {
	return firstMatch(experienceRules, cfg)
}

// ProctoringSection lists the warning rule of each enabled detector, or the
// disabled sentence when proctoring is off or no detector is on.
func ProctoringSection(cfg interview.Snapshot) string {
	if !cfg.Proctoring.Enabled {
		return ProctoringDisabled
	}
	lines := make([]string, 0, len(proctoringRules))
	for _, r := range proctoringRules {
		if r.match(cfg) {
			lines = append(lines, r.text)
		}
	}
	if len(lines) == 0 {
		return ProctoringDisabled
	}
	return strings.Join(lines, "\n")
}

func firstMatch(rules []fragmentRule, cfg interview.Snapshot) string {
	for _, r := range rules {
		if r.match(cfg) {
			return r.text
		}
	}
	return ""
}

func writeContext(b *strings.Builder, cfg interview.Snapshot) {
	company := orDefault(cfg.CompanyName, defaultCompany)
	role := orDefault(cfg.JobRole, defaultRole)
	fmt.Fprintf(b, "You are conducting a real-time technical interview for %s for the position of %s.\n", company, role)
	fmt.Fprintf(b, "Industry: %s | Country: %s | Expected Experience: %s years\n\n", cfg.IndustryType, cfg.Country, cfg.YearsOfExperience)
	b.WriteString("You can hear and also see the candidate through audio and video.\n")
	if cfg.CandidateName != "" {
		fmt.Fprintf(b, "The candidate's name is %s.", cfg.CandidateName)
	}
}

func writeSilenceHandling(b *strings.Builder, cfg interview.Snapshot) {
	warn2 := cfg.AISettings.SilenceWarning2Seconds
	minutes := cfg.DurationMinutes
	b.WriteString("# ⏱️ SILENT USER DETECTION:\n")
	b.WriteString("The system will send you messages about candidate silence. Respond appropriately:\n")
	b.WriteString("- If you receive \"[SYSTEM] I am waiting for your response\": \n")
	b.WriteString("  Say: \"I am waiting for your response.\"\n")
	fmt.Fprintf(b, "- If you receive \"[SYSTEM] Candidate silent for %d seconds - FINAL WARNING\":\n", warn2)
	b.WriteString("  Say firmly: \"If you do not respond, we will end the interview shortly.\"\n")
	b.WriteString("- If you receive \"[SYSTEM] Ending interview due to no response\":\n")
	b.WriteString("  Say: \"Since there has been no response, we are ending this interview session now.\"\n")
	fmt.Fprintf(b, "- If you receive \"[SYSTEM] Interview time limit (%d minutes) reached\":\n", minutes)
	fmt.Fprintf(b, "  Say: \"We have reached the %d-minute time limit. The interview is now complete.\"\n\n", minutes)
	b.WriteString("# 🔄 IMPORTANT:\n")
	b.WriteString("If the candidate speaks after any warning, IMMEDIATELY continue the interview normally.")
}

func writeClosing(b *strings.Builder, cfg interview.Snapshot) {
	b.WriteString("# Interview Structure:\n")
	b.WriteString("1. Greet the candidate appropriately\n")
	b.WriteString("2. Ask candidate to introduce themselves\n")
	fmt.Fprintf(b, "3. Ask up to %d questions appropriate for their experience level\n", cfg.AISettings.MaxQuestions)
	b.WriteString("4. Close the interview professionally\n\n")
	b.WriteString("# Communication Rules:\n")
	b.WriteString("- Be professional but friendly\n")
	b.WriteString("- Listen carefully and ask follow-up questions\n")
	b.WriteString("- Keep responses concise\n")
	b.WriteString("- Encourage good answers\n")
	b.WriteString("- Use natural, conversational language\n")
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
