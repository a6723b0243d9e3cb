// Package wrapper holds the embedded @stopgap/runtime module source (spec
// §4.6.2, §6): the bare specifier handlers import to get query/mutation
// wrapping helpers and a structural schema-validation vocabulary.
//
// Shipped as hand-written JS rather than pre-bundled at build time — spec
// §4.2's CommonJS target note applies only to handler source; the wrapper
// is already plain CommonJS-compatible JS and is evaluated by engine/vm the
// same way engine/runtime evaluated tool source directly via RunScript.
package wrapper

// Source is the @stopgap/runtime module body: a flat sequence of statements
// assigning to `exports`, the same CommonJS shape engine/vm's
// evalCommonJSModule expects of the Compiler's esbuild FormatCommonJS
// output — evaluated once per isolate inside that shared wrapping IIFE and
// memoized as the resulting exports object (spec §4.6.2).
const Source = `
  function query(schemaOrHandler, maybeHandler) {
    var hasSchema = typeof maybeHandler === "function";
    var handler = hasSchema ? maybeHandler : schemaOrHandler;
    var schema = hasSchema ? schemaOrHandler : null;
    handler.__stopgap_kind = "query";
    handler.__stopgap_args_schema = schema;
    return handler;
  }

  function mutation(schemaOrHandler, maybeHandler) {
    var hasSchema = typeof maybeHandler === "function";
    var handler = hasSchema ? maybeHandler : schemaOrHandler;
    var schema = hasSchema ? schemaOrHandler : null;
    handler.__stopgap_kind = "mutation";
    handler.__stopgap_args_schema = schema;
    return handler;
  }

  function validateArgs(schema, value) {
    if (!schema) return true;
    return schema.check(value);
  }

  // schemaFailure walks schema against value, returning null when value
  // conforms and otherwise the first mismatch found as { path, message },
  // path rooted at "$" (spec's SchemaLikeValidator invariant). Used by the
  // engine itself ahead of invoking a wrapped handler; schema.check alone
  // cannot report where a nested value went wrong.
  function schemaFailure(schema, value) {
    if (!schema) return null;
    return schema.validate(value, "$");
  }

  // node builds a schema leaf from a boolean predicate. validate defaults to
  // deriving a path-rooted failure from check; composite builders below
  // (object/array/union) override validate to recurse with an extended path.
  function node(check, validate) {
    return {
      check: check,
      validate: validate || function(x, path) {
        return check(x) ? null : { path: path, message: "failed validation" };
      }
    };
  }

  var v = {
    string: function() { return node(function(x) { return typeof x === "string"; }); },
    int: function() { return node(function(x) { return typeof x === "number" && Number.isInteger(x); }); },
    number: function() { return node(function(x) { return typeof x === "number" && isFinite(x); }); },
    boolean: function() { return node(function(x) { return typeof x === "boolean"; }); },
    null: function() { return node(function(x) { return x === null; }); },
    unknown: function() { return node(function() { return true; }); },
    literal: function(lit) { return node(function(x) { return x === lit; }); },
    enum: function(values) {
      return node(function(x) { return values.indexOf(x) !== -1; });
    },
    array: function(item) {
      return node(function(x) {
        if (!Array.isArray(x)) return false;
        for (var i = 0; i < x.length; i++) {
          if (!item.check(x[i])) return false;
        }
        return true;
      }, function(x, path) {
        if (!Array.isArray(x)) return { path: path, message: "expected an array" };
        for (var i = 0; i < x.length; i++) {
          var failure = item.validate(x[i], path + "[" + i + "]");
          if (failure) return failure;
        }
        return null;
      });
    },
    union: function(variants) {
      return node(function(x) {
        for (var i = 0; i < variants.length; i++) {
          if (variants[i].check(x)) return true;
        }
        return false;
      }, function(x, path) {
        for (var i = 0; i < variants.length; i++) {
          if (variants[i].check(x)) return null;
        }
        return { path: path, message: "does not match any variant" };
      });
    },
    object: function(shape) {
      return node(function(x) {
        if (typeof x !== "object" || x === null || Array.isArray(x)) return false;
        for (var key in shape) {
          if (!shape[key].check(x[key])) return false;
        }
        return true;
      }, function(x, path) {
        if (typeof x !== "object" || x === null || Array.isArray(x)) {
          return { path: path, message: "expected an object" };
        }
        for (var key in shape) {
          var failure = shape[key].validate(x[key], path + "." + key);
          if (failure) return failure;
        }
        return null;
      });
    }
  };

  exports.query = query;
  exports.mutation = mutation;
  exports.validateArgs = validateArgs;
  exports.schemaFailure = schemaFailure;
  exports.v = v;
`
