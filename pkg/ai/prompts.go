package ai

// SystemPrompt frames every model call of the ingestion pipeline.
const SystemPrompt = `You are a knowledge engineering assistant. You analyze documents, extract factual statements and describe entities. Ground every answer strictly in the provided material and never invent facts.`

const CognitiveMapPrompt = `
# Task Context
You are a document analyst building a structured overview (a cognitive map) of a single source document with respect to one topic. The map is later used to align entity naming across documents and to guide knowledge extraction.

# Background Data
- **Topic:** %s
- **Document_name:** %s
- **Document content:**
%s

# Detailed Task Description & Rules
- Read the full content and relate it to the given topic.
- "summary": a compact summary of what the document says about the topic, at most 150 words.
- "key_entities": the named entities (people, organizations, places, systems, concepts) that are central to the document. Use the most complete form of each name found in the text.
- "theme_keywords": recurring themes or subject keywords, lowercase.
- "important_timeline": explicit dates, periods, or event sequences, each as one short line. Empty array if none.
- "structural_pattern": one short phrase characterizing the document structure, e.g. "chronological narrative", "technical reference", "meeting transcript", "key-value records".
- Use only information present in the content. Do not invent entities or dates.

# Output Formatting
Return a single valid JSON object:
{
  "summary": "string",
  "key_entities": ["string"],
  "theme_keywords": ["string"],
  "important_timeline": ["string"],
  "structural_pattern": "string"
}
Do not include any commentary or text outside of the JSON.
`

const BlueprintPrompt = `
# Task Context
You are preparing a processing blueprint for a batch of documents that all belong to the same topic. The blueprint makes entity naming and extraction consistent across the whole batch.

# Background Data
- **Topic:** %s
- **Cognitive maps of the batch (one per document):**
%s

# Detailed Task Description & Rules
- Identify entities that appear in several documents under varying names and choose one canonical name per entity. Prefer the most complete, most frequently used form.
- Identify recurring patterns worth extracting consistently (e.g. "each document reports quarterly figures", "speakers are labeled by role").
- Merge the individual timelines into one global timeline where the documents overlap.
- "processing_items" is a map from category to guidance. Use the categories "canonical_entities", "key_patterns" and "global_timeline"; add further categories only when the batch clearly calls for them.
- "processing_instructions" is a short free-text instruction block for the extraction step: naming rules, disambiguation hints, what to prioritize.
- Base everything strictly on the provided cognitive maps.

# Output Formatting
Return a single valid JSON object:
{
  "processing_items": {
    "canonical_entities": "string",
    "key_patterns": "string",
    "global_timeline": "string"
  },
  "processing_instructions": "string"
}
Do not include any commentary or text outside of the JSON.
`

const TripletExtractPrompt = `
# Task Context
You are extracting factual (subject, predicate, object) statements from a document so they can be merged into a topic-scoped knowledge graph.

# Background Data
- **Topic:** %s
- **Document_name:** %s
- **Processing guidance for this batch:**
%s
- **Document content:**
%s

# Detailed Task Description & Rules
- Extract every clear factual statement as one triplet.
- "subject" and "object" are entity names. Follow the canonical names from the processing guidance when the guidance covers the entity; otherwise use the most complete name found in the text.
- "predicate" is a short verb phrase describing the relation, e.g. "founded", "is located in", "reports to".
- "subject_description" and "object_description" summarize what the document says about that entity, one to three sentences each, third person, entity name included.
- Only extract statements explicitly supported by the text. No outside knowledge, no speculation.
- Skip statements whose subject or object cannot be named.

# Output Formatting
Return a single valid JSON object:
{
  "triplets": [
    {
      "subject": "string",
      "predicate": "string",
      "object": "string",
      "subject_description": "string",
      "object_description": "string"
    }
  ]
}
Always return valid JSON, with an empty array when nothing can be extracted.
Do not include any commentary or text outside of the JSON.
`

const EnhancePrompt = `
# Task Context
You are reviewing weakly connected entities of a topic-scoped knowledge graph and proposing additional relationships between entities that already exist in the graph.

# Background Data
- **Topic:** %s
- **Weakly connected entities:**
%s
- **All entities of the topic:**
%s

# Detailed Task Description & Rules
- For each weakly connected entity, check whether its description implies a relation to any other listed entity.
- "source" and "target" must be names from the provided entity lists, exactly as listed.
- "description" explains the relation in one or two sentences, grounded only in the provided descriptions.
- Do not propose relations between entities whose descriptions do not support one.
- Do not propose a relation from an entity to itself.

# Output Formatting
Return a single valid JSON object:
{
  "relationships": [
    {
      "source": "string",
      "target": "string",
      "description": "string"
    }
  ]
}
Always return valid JSON, with an empty array when nothing can be inferred.
Do not include any commentary or text outside of the JSON.
`

const DescMergePrompt = `
# Task Context
You are a highly detail-oriented assistant responsible for merging multiple descriptions of the same entity into one.

# Background Data
-- Data --
entity_name: %s
entity_descriptions:
%s

# Detailed Task Description & Rules
- The input consists of multiple descriptive segments related to the same entity.
- Merge them into one unified description that includes every relevant detail, without omitting anything important.
- Do not leave out any specific detail about actions, events, quantities, frequencies, or timelines.
- If there are contradictions, include both versions clearly.
- Use third person at all times and explicitly include the entity name to preserve full context.
- The description must be short and compact: at most 100 words, preferably one to four clear sentences.
- Only use the information given in the segments. Do not infer, assume, or add external knowledge.

# Output Formatting
- Return plain text only. Do not use markdown, lists, bullet points, or meta-comments.
- Do not add introductions, explanations, or closing remarks. Output only the final description.
`
