package browser

import (
	"encoding/json"
	"fmt"
)

// actionScript is the in-page half of a dom_action. It runs as an IIFE in
// the resolved frame and context, returning a JSON-safe result object. Every
// element-targeting action reports match evidence for the element it acted
// on; failures return {success:false, error}.
const actionScript = `(function (action, selector, opts) {
  opts = opts || {};
  var evidence = function (el) {
    return {
      selector: selector,
      tag: el.tagName ? el.tagName.toLowerCase() : '',
      role: el.getAttribute ? (el.getAttribute('role') || '') : '',
      aria_label: el.getAttribute ? (el.getAttribute('aria-label') || '') : '',
      text_preview: (el.textContent || '').trim().slice(0, 80)
    };
  };
  var fail = function (msg) {
    return { success: false, action: action, selector: selector, error: msg };
  };
  var ok = function (el, extra) {
    var out = { success: true, action: action, selector: selector };
    if (el) { out.matched = evidence(el); }
    if (extra) { for (var k in extra) { out[k] = extra[k]; } }
    return out;
  };
  var fire = function (el, type) {
    el.dispatchEvent(new Event(type, { bubbles: true }));
  };

  if (action === 'list_interactive') {
    var nodes = document.querySelectorAll(
      'a[href],button,input,select,textarea,[role=button],[role=link],[onclick],[tabindex]');
    var entries = [];
    for (var i = 0; i < nodes.length; i++) {
      var n = nodes[i];
      entries.push({
        index: i,
        tag: n.tagName.toLowerCase(),
        type: n.getAttribute('type') || '',
        role: n.getAttribute('role') || '',
        aria_label: n.getAttribute('aria-label') || '',
        text: (n.textContent || n.value || '').trim().slice(0, 80),
        id: n.id || '',
        name: n.getAttribute('name') || ''
      });
    }
    return { success: true, action: action, entries: entries };
  }

  var el;
  try {
    el = document.querySelector(selector);
  } catch (e) {
    return fail('invalid selector: ' + e.message);
  }
  if (!el) {
    return fail('no element matches ' + selector);
  }

  try {
    switch (action) {
      case 'wait_for':
        return ok(el);
      case 'click':
        el.click();
        return ok(el);
      case 'type':
        if (opts.clear) { el.value = ''; }
        el.focus();
        el.value = (el.value || '') + (opts.text || '');
        fire(el, 'input');
        fire(el, 'change');
        return ok(el);
      case 'paste':
        el.focus();
        el.value = (el.value || '') + (opts.text || '');
        fire(el, 'paste');
        fire(el, 'input');
        fire(el, 'change');
        return ok(el);
      case 'set_value':
        el.value = opts.value !== undefined ? opts.value : (opts.text || '');
        fire(el, 'input');
        fire(el, 'change');
        return ok(el);
      case 'select':
        el.value = opts.value !== undefined ? opts.value : '';
        fire(el, 'change');
        return ok(el);
      case 'check':
        el.checked = opts.value !== false;
        fire(el, 'change');
        return ok(el);
      case 'focus':
        el.focus();
        return ok(el);
      case 'key_press':
        var key = opts.key || opts.value || 'Enter';
        el.dispatchEvent(new KeyboardEvent('keydown', { key: key, bubbles: true }));
        el.dispatchEvent(new KeyboardEvent('keyup', { key: key, bubbles: true }));
        return ok(el);
      case 'scroll_to':
        el.scrollIntoView({ block: 'center' });
        return ok(el);
      case 'get_text':
        return ok(el, { value: (el.textContent || '').trim() });
      case 'get_value':
        return ok(el, { value: el.value !== undefined ? el.value : '' });
      case 'get_attribute':
        return ok(el, { value: el.getAttribute(opts.name || '') });
      case 'set_attribute':
        el.setAttribute(opts.name || '', opts.value !== undefined ? String(opts.value) : '');
        return ok(el);
      case 'highlight':
        var prev = el.style.outline;
        el.style.outline = '3px solid #f59e0b';
        setTimeout(function () { el.style.outline = prev; }, 1500);
        return ok(el);
      default:
        return fail('unsupported action: ' + action);
    }
  } catch (e) {
    return fail(String(e && e.message ? e.message : e));
  }
})`

// toastScript renders a transient status toast in the top frame. Purely
// cosmetic; errors from it are swallowed by the caller.
const toastScript = `(function (label, detail, state, durationMs) {
  var id = '__pilotnerd_toast__';
  var old = document.getElementById(id);
  if (old) { old.remove(); }
  var el = document.createElement('div');
  el.id = id;
  el.textContent = detail ? label + ': ' + detail : label;
  el.style.cssText = 'position:fixed;bottom:16px;right:16px;z-index:2147483647;' +
    'padding:8px 14px;border-radius:6px;font:13px sans-serif;color:#fff;' +
    'background:' + (state === 'error' ? '#b91c1c' : state === 'timeout' ? '#b45309' : '#166534') + ';';
  document.body.appendChild(el);
  setTimeout(function () { el.remove(); }, durationMs || 2500);
  return true;
})`

func actionExpr(action, selector string, options map[string]interface{}) string {
	return fmt.Sprintf("%s(%s, %s, %s)",
		actionScript, jsArg(action), jsArg(selector), jsArg(options))
}

func toastExpr(label, detail, state string, durationMs int) string {
	return fmt.Sprintf("%s(%s, %s, %s, %d)",
		toastScript, jsArg(label), jsArg(detail), jsArg(state), durationMs)
}

// jsArg embeds a Go value into a script as a JSON literal.
func jsArg(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}
