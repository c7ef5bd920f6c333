// Package echo provides offline agents for development and tests.
//
// The supervisor routes on keywords: research words ("find", "search", ...)
// go to the research agent, writing words ("draft", "email", ...) go to the
// writer, and a message with both is chained research then writer. Anything
// else is echoed back directly.
package echo
