package agents

import (
	"fmt"
	"strings"

	"github.com/talgya/taleweaver/internal/narrative"
)

const plannerSystem = `You are the event writer for a multi-character roleplay. You expand a starting scenario into a short storyline of plot events.

Rules:
- Write a numbered list of events, one per line, each prefixed "Event N: ".
- Each event is 1-2 sentences, around 20-40 words.
- The events form a beginning, middle, climax and resolution.
- Stay consistent with the characters and their traits.
- Never output nothing. If unsure, improvise.

Characters:
%s`

const plannerInstruction = `Given the scenario below, produce between 2 and 5 plot events.

Scenario:
%s

Output only the list, in this format:
Event 1: <plot event>
Event 2: <plot event>`

const directorSystem = `You are directing a multi-character scene. Choose who speaks next or trigger the next Event.

Output exactly one line:
<Name or Event> || <one short sentence reason>

Use EXACT names from: %s, or Event.
- No punctuation or quotes before the name.
- No extra "||" in the reason.
- Never output Event twice in a row.
- After an Event allow only a few character lines.
- Alternate speakers. If the same speaker must talk again, include the word "%s" in the reason.
- When uncertain, choose Event.`

const directorInstruction = `Choose the next speaker or Event.

Format (exact):
<Name or Event> || <one sentence reason>

Examples:
%s || Answers the challenge.
Event || The scene shifts to a tense pause.`

const directorRetryInstruction = `Your previous answer did not follow the format. Answer with exactly one line:
<Name or Event> || <one sentence reason>`

const speakerSystem = `You are a script writer playing %s in an ongoing scene.

Scenario: %s

Your personality: %s.

Your background, enclosed in triple backticks:
` + "```" + `
%s
` + "```" + `

Check the script so far, then continue it as %s in a way that fits your personality and background and moves the story forward. Do not repeat what you already said.`

const speakerInstruction = `Continue the script with dialogue and/or action in 5 to 50 words.
- Always prefix your response with "%s: ".
- Never remain silent.
- Enclose actions in brackets.`

const compactorSystem = `You are a memory compressor for a multi-character roleplay. Produce a concise running memory that preserves key plot facts, each speaker's intentions, unresolved threads and changes to the world. Keep names consistent. Do not invent new facts. Aim for 120-200 words.`

const compactorInstruction = `Summarize the script above as:
1) A short paragraph (3-6 sentences).
2) A bulleted list of open threads, if any (at most 5 bullets).`

const synthesizerSystem = `You are a novelist. You turn a roleplay script into a polished prose chapter written in continuous narrative, keeping every plot event and the characters' voices.`

const synthesizerInstruction = `Rewrite the script above as a single prose chapter of %d to %d words. Do not use script formatting or speaker labels. Output only the chapter.`

func describeParticipants(ps []narrative.Participant) string {
	var b strings.Builder
	for _, p := range ps {
		fmt.Fprintf(&b, "- %s: %s\n", p.Name, traitList(p.Traits))
	}
	return strings.TrimRight(b.String(), "\n")
}

func traitList(traits []string) string {
	if len(traits) == 0 {
		return "unremarkable"
	}
	return strings.Join(traits, ", ")
}

func speakerNames(ids []narrative.SpeakerID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}
