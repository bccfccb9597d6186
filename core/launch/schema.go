package launch

// schema describes a launch file. Exactly one executable kind must be given.
const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "executable", "executor"],
  "additionalProperties": false,
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "executable": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "additionalProperties": false,
      "properties": {
        "python": {
          "type": "object",
          "required": ["path"],
          "additionalProperties": false,
          "properties": {
            "path": {"type": "string", "minLength": 1},
            "module": {"type": "string", "minLength": 1},
            "commands": {"type": "array", "items": {"type": "string"}, "minItems": 1},
            "base_image": {"type": "string"},
            "docker_instructions": {"type": "array", "items": {"type": "string"}},
            "use_deep_module": {"type": "boolean"}
          },
          "oneOf": [
            {"required": ["module"]},
            {"required": ["commands"]}
          ]
        },
        "dockerfile": {
          "type": "object",
          "required": ["path"],
          "additionalProperties": false,
          "properties": {
            "path": {"type": "string", "minLength": 1},
            "dockerfile": {"type": "string"}
          }
        },
        "container": {
          "type": "object",
          "required": ["image_path"],
          "additionalProperties": false,
          "properties": {
            "image_path": {"type": "string", "minLength": 1}
          }
        }
      }
    },
    "executor": {
      "type": "object",
      "required": ["backend"],
      "additionalProperties": false,
      "properties": {
        "backend": {"enum": ["local", "managed_cloud", "kubernetes"]},
        "push_image_tag": {"type": "string"},
        "docker_options": {"type": "object"},
        "job_queue": {"type": "string"},
        "namespace": {"type": "string"},
        "secrets": {"type": "array", "items": {"type": "string"}}
      }
    },
    "name": {"type": "string"},
    "requirements": {
      "type": "object",
      "additionalProperties": {"type": ["number", "string"]}
    },
    "args": {"type": ["object", "string"]},
    "env": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean"]}
    },
    "sweep": {
      "type": "object",
      "additionalProperties": {"type": "array"}
    }
  }
}`
