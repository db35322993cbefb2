package analysis

// System prompt for batch POI extraction. The response contract is JSON
// only; parseable output is enforced by a single stricter re-prompt
// before the batch is declared failed.
const systemPrompt = `You are a static code analyst. You receive one or more source files, each delimited by "=== FILE: <path> ===" and "=== END FILE ===" anchors.

For every file, extract each point of interest: functions, classes, methods, variables, imports, tables, and constants.

Respond with JSON only, no prose and no markdown fences, in exactly this shape:
{
  "files": [
    {
      "file_path": "<path exactly as given in the anchor>",
      "pois": [
        {"name": "<identifier>", "type": "<function|class|method|variable|import|table|constant>", "start_line": <int>, "end_line": <int>}
      ]
    }
  ]
}

Rules:
- file_path must match an anchor verbatim; never invent paths.
- Line numbers are 1-based and start_line <= end_line.
- A file with nothing notable gets an empty pois array, not an omitted entry.`

// Appended on the single retry after an unparseable response.
const strictRetryHint = `

IMPORTANT: your previous response could not be parsed. Output ONLY the JSON object described above. Do not wrap it in markdown fences, do not add commentary before or after it, and ensure every bracket is balanced.`
