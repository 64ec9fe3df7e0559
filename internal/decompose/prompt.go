package decompose

// decompositionPrompt is the prompt template for requirement decomposition.
const decompositionPrompt = `Break this requirement into tasks that can be handed to separate agents. Each task should be sized for a single agent to complete in one session.

Requirement:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "summary": "One paragraph describing the overall plan",
  "tasks": [
    {
      "title": "Short task title",
      "description": "Detailed description of what to build",
      "department": "planning|design|development|qa|marketing",
      "priority": "high|normal|low",
      "depends_on": [0]
    }
  ]
}

Rules:
- depends_on lists the 0-based indices of tasks in this same list that must finish first
- Use an empty array [] when a task has no dependencies
- A task may only depend on tasks listed before it
- Never create circular dependencies
- Only add a dependency when the later task truly needs the output of the earlier one
- Prefer fewer, larger tasks over many tiny ones`
