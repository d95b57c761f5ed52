package chat

// TitlePlaceholder is the title every chat starts with; the first user text
// message replaces it exactly once.
const TitlePlaceholder = "Neuer Chat"

// The system instructions are fixed constants and never derived from user
// input, so stored history cannot inject instructions.
const systemPrompt = `Du bist ZackAI. Antworte standardmäßig auf Deutsch.
Gib extrem detaillierte, strukturierte Antworten. Nutze klare Abschnitte,
Checklisten, Beispiele und nächste Schritte. Wenn Informationen fehlen,
stelle gezielte Rückfragen. Nenne Annahmen explizit.`

const audioSystemPrompt = `You analyze audio content for the user.
If the user speaks a specific language, respond in that language.
Provide a structured summary, key points, and actionable insights.
If the audio is unclear, mention uncertainty.`

// noSpeechReply is the fixed assistant answer when a transcription comes
// back empty. A distinct outcome, not an error.
const noSpeechReply = "Ich habe in der Aufnahme keine Sprache erkannt. " +
	"Wenn es Musik oder Geräusche sind, sag mir kurz, was ich analysieren soll " +
	"(z.B. Stimmung, Instrumente, Geräuschquellen)."
