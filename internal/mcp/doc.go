// Package mcp connects the research agent to Model Context Protocol servers.
//
// # Overview
//
// A Toolbox dials each configured server (stdio subprocess, SSE or
// streamable HTTP), performs the initialize handshake, and registers the
// server's tools as OpenAI function definitions. It satisfies llm.Toolset,
// so the research agent's model can call any registered tool by name.
//
// # Configuration
//
//	agents:
//	  research:
//	    mcp_servers:
//	      - name: search
//	        type: stdio
//	        command: npx
//	        args: ["-y", "@modelcontextprotocol/server-brave-search"]
//	        env:
//	          BRAVE_API_KEY: ${BRAVE_API_KEY}
//
// Servers that fail to connect are logged and skipped; the agent simply runs
// without their tools. Tool failures are handed to the model as text that
// starts with "Error:".
package mcp
