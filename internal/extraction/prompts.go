package extraction

const extractPrompt = `Extract the entities and relations from the text below.

Return ONLY a JSON object with this shape, no prose:
{
  "entities": [
    {
      "name": "canonical name",
      "type": "person|organization|location|event|project|technology|concept|document|other",
      "aliases": ["other surface forms seen in the text"],
      "attributes": {"key": "value"},
      "confidence": 0.0
    }
  ],
  "relations": [
    {
      "from": "entity name",
      "to": "entity name",
      "type": "short_snake_case_verb_phrase",
      "attributes": {},
      "confidence": 0.0
    }
  ]
}

Rules:
- Only include entities actually mentioned in the text.
- Relation "from" and "to" must match entity names from the entities list.
- Confidence reflects how explicit the mention is, between 0 and 1.
- Return {"entities": [], "relations": []} when nothing is found.

Text:
%s`
