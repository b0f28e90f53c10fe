package ai

const ExtractPrompt = `
# Task Context
You are tasked with extracting **entities, relationships and properties** from a text chunk so that they can be merged into a knowledge graph. Capture every detail that is explicitly present in the text.

# Background Data
- **Entity_types:** [%s]
- **Text:**
%s

# Detailed Task Description & Rules
## Entities
1. Identify every entity of the given types. If no type fits, use the closest one.
2. For each entity extract:
   - **name:** the name exactly as written in the text, keeping its capitalization. Do not invent names that are not in the text.
   - **type:** one of the given types, in upper case.
   - **description:** everything the text states about the entity (roles, activities, dates, numbers).

## Relations
1. Determine all relations between pairs of extracted entities.
2. For each relation extract:
   - **source** and **target:** entity names exactly as used in the entity list.
   - **label:** a short verb phrase naming the relation (e.g. "CEO of", "founded", "located in").
   - **symmetric:** true only if the relation reads the same in both directions (e.g. "partner of", "married to").
   - **justification:** one sentence from or about the text that supports the relation.
3. Never relate an entity to itself.

## Properties
1. Key/value facts about a single entity (e.g. "founded: 2015", "memory: 16GB") are properties, not relations.
2. For each property extract **entity** (name as in the entity list), **key** and **value**.

# Examples
**Entity_types:** PERSON, ORGANIZATION, PRODUCT
**Text:**
Sam Altman is the CEO of OpenAI. OpenAI trains its models on Nvidia P100 GPUs with 16GB of memory.

**Output:**
{
  "entities": [
    {"name": "Sam Altman", "type": "PERSON", "description": "Sam Altman is the CEO of OpenAI."},
    {"name": "OpenAI", "type": "ORGANIZATION", "description": "OpenAI trains its models on Nvidia P100 GPUs."},
    {"name": "Nvidia P100", "type": "PRODUCT", "description": "A GPU by Nvidia with 16GB of memory used by OpenAI."}
  ],
  "relations": [
    {"source": "Sam Altman", "target": "OpenAI", "label": "CEO of", "symmetric": false, "justification": "Sam Altman is the CEO of OpenAI."},
    {"source": "OpenAI", "target": "Nvidia P100", "label": "trains models on", "symmetric": false, "justification": "OpenAI trains its models on Nvidia P100 GPUs."}
  ],
  "properties": [
    {"entity": "Nvidia P100", "key": "memory", "value": "16GB"}
  ]
}

# Immediate Task Description or Request
Extract all entities, relations and properties from the text above.

# Thinking Step by Step
First list the entities, then the relations between them, then the remaining key/value facts.

# Output Formatting
Return a single JSON object:
{
  "entities": [{"name": "string", "type": "string", "description": "string"}],
  "relations": [{"source": "string", "target": "string", "label": "string", "symmetric": "bool", "justification": "string"}],
  "properties": [{"entity": "string", "key": "string", "value": "string"}]
}
Use empty arrays when nothing is found. Do not include any text outside of the JSON.
`

const DisambiguatePrompt = `
# Task Context
You are an assistant that decides which of several similarly named mentions refer to the **same real-world entity**. The mentions were grouped because their names are close, which does not mean they are the same.

# Background Data
%s

# Detailed Task Description & Rules
- Every mention has an index, a name and context (descriptions, source excerpts, related entities and properties).
- Put mentions into the same group only if the context supports that they denote the same entity.
- A shared first name or a shared word is not enough (e.g. "Sam Altman" and "Sam Bankman-Fried" are different people).
- A short form with matching context is the same entity (e.g. "Sam" described as CEO of OpenAI and "Sam Altman").
- Product variants that the context treats as one thing are the same entity (e.g. "p100" and "p100 gpu").
- Every index must appear in exactly one group. A mention without a match forms its own group.

# Examples
Mentions:
[0] Sam Altman: CEO of OpenAI.
[1] Sam: leads OpenAI and spoke at the conference.
[2] Sam Bankman-Fried: founder of FTX.

Output:
{"groups": [{"indices": [0, 1]}, {"indices": [2]}]}

# Immediate Task Description or Request
Partition the mentions above into groups of mentions that denote the same entity.

# Thinking Step by Step
Compare the context of each pair before grouping. When in doubt, keep mentions apart.

# Output Formatting
Return JSON: {"groups": [{"indices": [int]}]}. Output valid JSON only.
`

const RerankPrompt = `
# Task Context
You are a relevance scorer. A new mention has to be attached to an existing entity of a knowledge graph if, and only if, both denote the same real-world entity.

# Background Data
## Query
%s

## Candidates
%s

# Detailed Task Description & Rules
- Score every candidate with a number between 0.0 and 1.0.
- 1.0 means the candidate certainly is the same entity as the query, 0.0 means it certainly is not.
- Judge by the context, not only by the name.
- Return exactly one score per candidate index.

# Immediate Task Description or Request
Score each candidate against the query.

# Output Formatting
Return JSON: {"scores": [{"index": int, "score": float}]}. Output valid JSON only.
`

const CommunityReportPrompt = `
# Task Context
You are writing a short report about a community of related entities in a knowledge graph. The report is used for retrieval and as an overview for analysts.

# Background Data
- **Level:** %d
- **Members:**
%s

# Detailed Task Description & Rules
- **title:** a short, specific name for the community (at most 8 words).
- **summary:** two to four sentences describing what connects the members.
- **findings:** up to five key insights, each one sentence, grounded in the member data.
- Use only the information given. Do not speculate.

# Immediate Task Description or Request
Write the community report.

# Output Formatting
Return JSON: {"title": "string", "summary": "string", "findings": ["string"]}. Output valid JSON only.
`
